package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ferlab-Ste-Justine/etcd-client-core/transport"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	//The connection backing a call was lost before the call completed. The outcome of a write is unknown.
	ErrConnectionLost = transport.ErrConnectionLost
	//Certificate material could not be loaded or the handshake failed
	ErrTls = transport.ErrTls
	//No connection could be established with any endpoint
	ErrTransport = transport.ErrTransport
	//Credentials were rejected, possibly after a token refresh
	ErrAuth = errors.New("authentication error")
	//The call did not complete before its deadline. The outcome of a write is unknown.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	//The requested revision was garbage collected by the store. Re-read from the current revision.
	ErrRevisionCompacted = errors.New("revision compacted")
	//The lease no longer exists on the store and its keys were deleted
	ErrLeaseExpired = errors.New("lease expired")
	//The client was closed
	ErrClientClosed = errors.New("client closed")
)

var authErrors = []error{
	rpctypes.ErrAuthFailed,
	rpctypes.ErrPermissionDenied,
	rpctypes.ErrInvalidAuthToken,
	rpctypes.ErrAuthOldRevision,
	rpctypes.ErrUserEmpty,
	rpctypes.ErrInvalidAuthMgmt,
}

func isTaxonomyError(err error) bool {
	for _, sentinel := range []error{ErrConnectionLost, ErrTls, ErrTransport, ErrAuth, ErrDeadlineExceeded, ErrRevisionCompacted, ErrLeaseExpired, ErrClientClosed} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

/*
Maps an error returned by a call to the store onto the client's error taxonomy.
The store error stays wrapped so that it can still be matched against the rpctypes errors.
*/
func translateError(err error) error {
	if err == nil || isTaxonomyError(err) {
		return err
	}

	if errors.Is(err, transport.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClientClosed, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	}

	etcdErr := rpctypes.Error(err)
	switch {
	case errors.Is(etcdErr, rpctypes.ErrCompacted):
		return fmt.Errorf("%w: %w", ErrRevisionCompacted, etcdErr)
	case errors.Is(etcdErr, rpctypes.ErrLeaseNotFound):
		return fmt.Errorf("%w: %w", ErrLeaseExpired, etcdErr)
	}
	for _, authErr := range authErrors {
		if errors.Is(etcdErr, authErr) {
			return fmt.Errorf("%w: %w", ErrAuth, etcdErr)
		}
	}

	if _, ok := etcdErr.(rpctypes.EtcdError); ok {
		return etcdErr
	}

	if stat, ok := status.FromError(err); ok {
		switch stat.Code() {
		case codes.DeadlineExceeded:
			return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
		case codes.Unavailable:
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
	}

	return err
}

// Whether the store rejected the token attached to a call
func isTokenRejected(err error) bool {
	etcdErr := rpctypes.Error(err)
	return errors.Is(etcdErr, rpctypes.ErrInvalidAuthToken) ||
		errors.Is(etcdErr, rpctypes.ErrAuthOldRevision) ||
		errors.Is(etcdErr, rpctypes.ErrUserEmpty)
}
