package client

import (
	"context"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
)

type TxOpType int

const (
	TxOpGet TxOpType = iota
	TxOpPut
	TxOpDelete
)

/*
Operation executed in one of the branches of a transaction
*/
type TxOp struct {
	Type  TxOpType
	Range KeyRange
	//Only used by puts
	Value string
	Lease int64
}

func TxGet(keyRange KeyRange) TxOp {
	return TxOp{Type: TxOpGet, Range: keyRange}
}

func TxPut(key string, value string) TxOp {
	return TxOp{Type: TxOpPut, Range: KeyRangeForKey(key), Value: value}
}

func TxPutWithLease(key string, value string, lease int64) TxOp {
	return TxOp{Type: TxOpPut, Range: KeyRangeForKey(key), Value: value, Lease: lease}
}

func TxDelete(keyRange KeyRange) TxOp {
	return TxOp{Type: TxOpDelete, Range: keyRange}
}

func (op TxOp) toRequestOp() *pb.RequestOp {
	switch op.Type {
	case TxOpPut:
		return &pb.RequestOp{Request: &pb.RequestOp_RequestPut{RequestPut: &pb.PutRequest{
			Key:   op.Range.key(),
			Value: []byte(op.Value),
			Lease: op.Lease,
		}}}
	case TxOpDelete:
		return &pb.RequestOp{Request: &pb.RequestOp_RequestDeleteRange{RequestDeleteRange: &pb.DeleteRangeRequest{
			Key:      op.Range.key(),
			RangeEnd: op.Range.rangeEnd(),
		}}}
	default:
		return &pb.RequestOp{Request: &pb.RequestOp_RequestRange{RequestRange: &pb.RangeRequest{
			Key:      op.Range.key(),
			RangeEnd: op.Range.rangeEnd(),
		}}}
	}
}

/*
Result of one operation of the executed branch
*/
type TxOpResult struct {
	Type TxOpType
	//Keys read by a get
	Keys KeyInfoMap
	//Number of keys removed by a delete
	Deleted int64
}

type TxResult struct {
	//Whether all the comparisons held and the success branch was executed
	Succeeded bool
	//Revision at which the transaction was applied
	Revision int64
	//Results of the operations of the executed branch, in order
	Results []TxOpResult
}

func txOpResult(resp *pb.ResponseOp) TxOpResult {
	switch {
	case resp.GetResponsePut() != nil:
		return TxOpResult{Type: TxOpPut}
	case resp.GetResponseDeleteRange() != nil:
		return TxOpResult{Type: TxOpDelete, Deleted: resp.GetResponseDeleteRange().Deleted}
	default:
		keys := KeyInfoMap(make(map[string]KeyInfo))
		if rangeResp := resp.GetResponseRange(); rangeResp != nil {
			for _, kv := range rangeResp.Kvs {
				info := keyInfoFromKv(kv)
				keys[info.Key] = info
			}
		}
		return TxOpResult{Type: TxOpGet, Keys: keys}
	}
}

/*
Evaluates the comparisons atomically. If they all hold, the success operations are applied, else the failure operations are.
All the operations of the executed branch are applied at a single revision.
Transactions are writes and are never retried.
*/
func (cli *EtcdClient) Transaction(cmps []clientv3.Cmp, success []TxOp, failure []TxOp) (TxResult, error) {
	req := &pb.TxnRequest{}
	for idx := range cmps {
		cmp := cmps[idx]
		req.Compare = append(req.Compare, (*pb.Compare)(&cmp))
	}
	for _, op := range success {
		req.Success = append(req.Success, op.toRequestOp())
	}
	for _, op := range failure {
		req.Failure = append(req.Failure, op.toRequestOp())
	}

	ctx, cancel := cli.requestContext()
	defer cancel()

	var resp *pb.TxnResponse
	err := cli.core.unary(ctx, "txn", func(ctx context.Context, cc *grpc.ClientConn) error {
		var err error
		resp, err = pb.NewKVClient(cc).Txn(ctx, req)
		return err
	})
	if err != nil {
		return TxResult{}, err
	}

	result := TxResult{
		Succeeded: resp.Succeeded,
		Revision:  resp.Header.Revision,
		Results:   []TxOpResult{},
	}
	for _, opResp := range resp.Responses {
		result.Results = append(result.Results, txOpResult(opResp))
	}

	return result, nil
}
