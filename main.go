// deployctl deploys a compiled smart contract to an EVM network and prints
// the address it was created at.
package main

import "github.com/Bidon15/popsigner/deployctl/cmd"

func main() {
	cmd.Execute()
}
