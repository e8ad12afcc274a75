package services

import "github.com/pkg/errors"

// ErrConfiguration marks deployment problems that retrying cannot fix, such
// as a database without an active tenant.
var ErrConfiguration = errors.New("configuration error")

// ErrUnknownTenant is returned for a tenant id that does not name an active
// tenant.
var ErrUnknownTenant = errors.New("unknown or inactive tenant")
