// Package dotenv loads a .env file on import. Blank-import it from mains and
// integration tests that want local environment defaults without wiring an
// explicit config call; the lookup itself lives in confkit so both paths
// share one set of search rules.
package dotenv

import "alphasim/pkg/confkit"

func init() {
	confkit.LoadDotenvOnce()
}
