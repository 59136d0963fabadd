// Package hostport validates listen addresses such as ":8080" or
// "127.0.0.1:0".
package hostport

import (
	"net"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Rule is the ozzo rule form of Validate, for use in ValidateStruct.
var Rule = validation.By(check)

// Validate reports whether addr is host:port with an optional host and a
// numeric port. Port 0 is allowed and binds an ephemeral port.
func Validate(addr string) error {
	return check(addr)
}

func check(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	return validation.Errors{
		"host": validation.Validate(host, is.Host),
		"port": validation.Validate(port, validation.Required, validation.By(portNumber)),
	}.Filter()
}

func portNumber(value interface{}) error {
	if _, err := strconv.ParseUint(value.(string), 10, 16); err != nil {
		return validation.NewError("validation_invalid_port", "must be a number between 0 and 65535")
	}

	return nil
}
