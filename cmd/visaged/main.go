// Command visaged is the privileged daemon that owns the camera and
// publishes the Visage message-bus service.
package main

import (
	"os"

	"github.com/Aigusta-Labs/visage/internal/daemon"
)

func main() {
	daemon.Run(os.Args[1:])
}
