package backup

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// HandleInterrupts turns the first signal on sigCh into a closed stop channel,
// which lets the running phase finish, and the second into cancel, which
// kills it.
func HandleInterrupts(sigCh <-chan os.Signal, cancel func()) <-chan struct{} {
	stop := make(chan struct{})
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Warnf("Received %v, finishing the current phase. Interrupt again to abort it.", sig)
		close(stop)
		sig, ok = <-sigCh
		if !ok {
			return
		}
		log.Warnf("Received %v, aborting the current phase", sig)
		cancel()
	}()
	return stop
}
