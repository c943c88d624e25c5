package reactor

import "errors"

var (
	ErrUnknownQuery       = errors.New("reactor: no query registered under this name")
	ErrDuplicateQuery     = errors.New("reactor: a query with this name is already registered")
	ErrSubscriptionLimit  = errors.New("reactor: session reached its subscription limit")
	ErrSubscriptionExists = errors.New("reactor: subscription id already in use for this session")
	ErrNotSubscribed      = errors.New("reactor: no such subscription")
	ErrBadChangePayload   = errors.New("reactor: malformed change notification payload")
)
