// Package banner prints the startup banner.
package banner

import (
	"fmt"
	"io"
)

const Version = "0.1.0"

const art = `
   ______                 _
  / ____/___  __  _______(_)__  _____
 / /   / __ \/ / / / ___/ / _ \/ ___/
/ /___/ /_/ / /_/ / /  / /  __/ /
\____/\____/\__,_/_/  /_/\___/_/
        v%s - reliable notification delivery (%s mode)
`

// Print writes the banner with the storage mode the service runs in.
func Print(w io.Writer, mode string) {
	fmt.Fprintf(w, art, Version, mode)
	fmt.Fprintln(w, "------------------------------------------------")
}
