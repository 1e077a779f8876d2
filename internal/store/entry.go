package store

// cacheEntry is the value cached per key. It is either a contentEntry or a
// userEntry; which one applies follows from the key namespace.
type cacheEntry interface {
	isCacheEntry()
}

// contentEntry caches a resolved key. A nil info records that the key is
// known to be absent or hidden.
type contentEntry struct {
	info *StoreInfo
}

// userEntry caches a credential record. A nil user records that the
// credential is known to be absent.
type userEntry struct {
	version string
	user    *UserData
}

func (contentEntry) isCacheEntry() {}
func (userEntry) isCacheEntry()    {}

func (e contentEntry) present() bool { return e.info != nil }
func (e userEntry) present() bool    { return e.user != nil }
