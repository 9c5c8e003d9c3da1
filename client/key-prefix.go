package client

import (
	"errors"
	"fmt"
)

func (cli *EtcdClient) GetPrefix(prefix string) (KeyRangeInfo, error) {
	return cli.GetKeyRange(KeyRangeForPrefix(prefix), GetKeyRangeOptions{})
}

func (cli *EtcdClient) DeletePrefix(prefix string) (int64, error) {
	return cli.DeleteKeyRange(KeyRangeForPrefix(prefix))
}

func (cli *EtcdClient) DiffBetweenPrefixes(srcPrefix string, dstPrefix string) (KeyDiff, error) {
	srcInfo, srcErr := cli.GetPrefix(srcPrefix)
	if srcErr != nil {
		return KeyDiff{}, srcErr
	}

	dstInfo, dstErr := cli.GetPrefix(dstPrefix)
	if dstErr != nil {
		return KeyDiff{}, dstErr
	}

	return GetKeysDiff(srcInfo.Keys, srcPrefix, dstInfo.Keys, dstPrefix), nil
}

/*
Applies the diff on the keys of the prefix, in a single transaction
*/
func (cli *EtcdClient) ApplyDiffToPrefix(prefix string, diff KeyDiff) error {
	ops := []TxOp{}

	for _, key := range diff.Deletions {
		ops = append(ops, TxDelete(KeyRangeForKey(prefix+key)))
	}

	for key, val := range diff.Upserts() {
		ops = append(ops, TxPut(prefix+key, val))
	}

	if len(ops) == 0 {
		return nil
	}

	resp, txErr := cli.Transaction(nil, ops, nil)
	if txErr != nil {
		return txErr
	}

	if !resp.Succeeded {
		return errors.New(fmt.Sprintf("Transaction applying diff on prefix %s failed", prefix))
	}

	return nil
}

func (cli *EtcdClient) DiffPrefixWithMap(prefix string, inputKeys map[string]string, inputIsSource bool) (KeyDiff, error) {
	prefixInfo, err := cli.GetPrefix(prefix)
	if err != nil {
		return KeyDiff{}, err
	}

	if inputIsSource {
		return GetKeyDiff(inputKeys, prefixInfo.Keys.ToValueMap(prefix)), nil
	}

	return GetKeyDiff(prefixInfo.Keys.ToValueMap(prefix), inputKeys), nil
}
