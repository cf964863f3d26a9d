// Command dmtpctl is a test and operations client for dmtpd: it sends
// synthetic OpenDMTP packets at a running daemon over TCP or UDP and prints
// the decoded ACK/NAK/EOB/EOT response.
package main

import "github.com/khansohel/traffometer-opendmtp-server-sub000/cmd/dmtpctl/commands"

func main() {
	commands.Execute()
}
