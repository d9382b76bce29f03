package model

import "errors"

// ErrValidation marks caller input that was rejected. Wrap it with
// fmt.Errorf("%w: ...") so the message names the offending field.
var ErrValidation = errors.New("validation error")

// ErrInternal marks a store that violated its own contract, such as an
// upsert that returned no row.
var ErrInternal = errors.New("internal error")
