package http

import (
	"errors"
)

var ErrorUnauthorized = errors.New("request failed authentication")
