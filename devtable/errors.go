package devtable

import "errors"

var errUnknownFamily = errors.New("devtable: unknown device family")
