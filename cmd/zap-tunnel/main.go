// Command zap-tunnel runs the lightning-address wrapping proxy.
package main

import "github.com/benthecarman/zap-tunnel"

func main() {
	zaptunnel.Main()
}
