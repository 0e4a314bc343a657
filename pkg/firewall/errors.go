package firewall

import "errors"

var (
	ErrChainSetup = errors.New("failed to set up isolation chain")
	ErrChainLink  = errors.New("failed to link isolation chain into enforcement path")
	ErrTeardown   = errors.New("failed to tear down isolation chain")
)
