package client

import "sort"

/*
Differential between two key spaces
*/
type KeyDiff struct {
	//List of keys to insert with the insert value to make it like the source
	Inserts map[string]string
	//List of keys to update with the update value to make it like the source
	Updates map[string]string
	//List of keys to delete in the target to make it like the source, sorted
	Deletions []string
}

/*
Returns true if a KeyDiff Structure indicates not modifications to the destination
*/
func (diff *KeyDiff) IsEmpty() bool {
	return len(diff.Inserts) == 0 && len(diff.Updates) == 0 && len(diff.Deletions) == 0
}

/*
Returns the inserts and updates together, as they are all puts on the destination
*/
func (diff *KeyDiff) Upserts() map[string]string {
	upserts := make(map[string]string)
	for key, val := range diff.Inserts {
		upserts[key] = val
	}
	for key, val := range diff.Updates {
		upserts[key] = val
	}
	return upserts
}

/*
Given a desired source keyspace and a destination keyspace that should be modified to be like the source,
it returns the modifications to do on the destination to make it so.
*/
func GetKeyDiff(src map[string]string, dst map[string]string) KeyDiff {
	diffs := KeyDiff{
		Inserts:   make(map[string]string),
		Updates:   make(map[string]string),
		Deletions: []string{},
	}

	for key := range dst {
		if _, ok := src[key]; !ok {
			diffs.Deletions = append(diffs.Deletions, key)
		}
	}
	sort.Strings(diffs.Deletions)

	for key, srcVal := range src {
		dstVal, ok := dst[key]
		if !ok {
			diffs.Inserts[key] = srcVal
		} else if dstVal != srcVal {
			diffs.Updates[key] = srcVal
		}
	}

	return diffs
}

/*
Same as GetKeyDiff, but on key infos whose keys are compared once their respective prefixes are trimmed
*/
func GetKeysDiff(src KeyInfoMap, srcPrefix string, dst KeyInfoMap, dstPrefix string) KeyDiff {
	return GetKeyDiff(src.ToValueMap(srcPrefix), dst.ToValueMap(dstPrefix))
}
