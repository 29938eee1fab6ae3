// Command trustgate runs the session and access gateway for the booking portal.
package main

import "github.com/freightdesk/trustgate/cmd/trustgate/cmd"

func main() {
	cmd.Execute()
}
