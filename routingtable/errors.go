package routingtable

import "errors"

var (
	errNoValidSignature       = errors.New("routingtable: no signature in node_ids verified")
	errNoLocalIdentityForKind = errors.New("routingtable: no registered local identity for any verified kind")
)
