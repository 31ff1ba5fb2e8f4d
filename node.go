package dcmnet

import (
	"fmt"
	"net"
	"strconv"
)

// Node identifies a remote application entity.
type Node struct {
	AETitle string
	Host    string
	Port    int
}

// Addr returns the host:port string to dial.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n Node) String() string {
	return fmt.Sprintf("%s@%s", n.AETitle, n.Addr())
}
