package tally

import "errors"

var (
	// ErrNilStore indicates a ledger constructed without persistence.
	ErrNilStore = errors.New("tally: nil store")
	// ErrUnknownGrammar indicates a grammar profile name that is neither built in nor configured.
	ErrUnknownGrammar = errors.New("tally: unknown grammar profile")
	// ErrInvalidGrammar indicates a grammar profile that cannot match anything.
	ErrInvalidGrammar = errors.New("tally: invalid grammar profile")
	// ErrUnsupportedSnapshot indicates persisted state written by an unknown schema version.
	ErrUnsupportedSnapshot = errors.New("tally: unsupported snapshot version")
)
