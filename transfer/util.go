package transfer

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("Could not remove %s: %v", path, err)
	}
}
