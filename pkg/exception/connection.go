package exception

import "github.com/yanun0323/errors"

var (
	ErrConnectionClose    = errors.New("connection closed")
	ErrUnsupportedDriver  = errors.New("connection: unsupported driver")
	ErrEmptyConnectionDSN = errors.New("connection: empty dsn")
)
