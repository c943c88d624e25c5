package cluster

import "errors"

var ErrNotRegistered = errors.New("cluster: node is not registered")
