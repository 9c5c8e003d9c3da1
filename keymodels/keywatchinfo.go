package keymodels

type KeyWatchInfo struct {
	Value          string
	Version        int64
	CreateRevision int64
	ModRevision    int64
	Lease          int64
}

/*
Changes observed on a set of keys in one watch notification
*/
type WatchInfo struct {
	Upserts   map[string]KeyWatchInfo
	Deletions []string
	//Revision of the last change
	Revision int64
}

func (info *WatchInfo) IsEmpty() bool {
	return len(info.Upserts) == 0 && len(info.Deletions) == 0
}

/*
Applies the changes on a map of keys to values. Deletions are applied before upserts.
*/
func (info *WatchInfo) ApplyOn(keys map[string]string) {
	for _, key := range info.Deletions {
		delete(keys, key)
	}

	for key, val := range info.Upserts {
		keys[key] = val.Value
	}
}
