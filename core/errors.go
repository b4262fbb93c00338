package core

import "errors"

var (
	errNoIP   = errors.New("no ip supplied")
	errNoPort = errors.New("no port supplied")
)
