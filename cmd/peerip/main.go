package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nexum-mesh/nexum-server/pkg/mesh"
)

func main() {
	prefix := flag.String("prefix", mesh.DefaultNetworkPrefix, "Mesh network IP prefix (first two octets)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: peerip [-prefix 169.254] <hardware-address>")
		os.Exit(2)
	}

	ip, err := mesh.DeriveIP(*prefix, flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(ip)
}
