package util

// Unwrap returns root error wrapped by stackerr or pkg/errors.
func Unwrap(err error) error {
	type hasUnderlying interface {
		Underlying() error
	}
	type hasCause interface {
		Cause() error
	}
	for {
		switch e := err.(type) {
		case hasUnderlying:
			err = e.Underlying()
		case hasCause:
			err = e.Cause()
		default:
			return err
		}
	}
}
