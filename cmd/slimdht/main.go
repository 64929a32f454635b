// Command slimdht runs a line-oriented operator console that can
// start, bootstrap, and inspect any number of DHT node instances in
// one process.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenkendk/slimdht/config"
	"github.com/kenkendk/slimdht/dhtkey"
	"github.com/kenkendk/slimdht/node"
)

type managedNode struct {
	n         *node.Node
	startedAt time.Time
}

type console struct {
	cfg     config.Config
	log     *logrus.Logger
	ctx     context.Context
	nodes   []*managedNode
	current int // index of the node most commands without an explicit <n> apply to
}

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	c := &console{cfg: cfg, log: log, ctx: context.Background(), current: -1}
	c.run()
}

func (c *console) run() {
	fmt.Println("slimdht operator console - type 'help' for commands")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if c.dispatch(line) {
			break
		}
	}
	c.stopAll()
}

// dispatch handles one command line, returning true when the console
// should exit.
func (c *console) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help":
		c.printHelp()
	case "quit", "exit":
		return true
	case "check":
		c.check()
	case "node":
		c.node(args)
	case "add":
		c.add(args)
	case "get":
		c.get(args)
	case "hash":
		c.hash(args)
	default:
		fmt.Printf("unknown command %q; type 'help'\n", cmd)
	}
	return false
}

func (c *console) printHelp() {
	fmt.Println(`commands:
  help                              show this message
  quit | exit                       stop all nodes and exit
  check                             report status of all nodes
  node start                        start a new node, becomes current
  node list                         list all nodes
  node connect <ip> <port>          bootstrap the current node against a seed
  node stop <n>                     stop node n
  node stat <n>                     print stats for node n
  node refresh <n>                  trigger a self-refresh on node n
  add <value>                       PUT value via the current node
  get <hex-key>                     GET a value via the current node
  hash <value>                      print the content key for value`)
}

func (c *console) check() {
	if len(c.nodes) == 0 {
		fmt.Println("no nodes")
		return
	}
	for i, mn := range c.nodes {
		status := "running"
		if mn.n.Terminated() {
			status = "stopped"
		}
		fmt.Printf("node %d: %s %s\n", i, mn.n.Addr(), status)
	}
}

func (c *console) node(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: node {start|list|connect|stop|stat|refresh}")
		return
	}
	switch args[0] {
	case "start":
		c.nodeStart()
	case "list":
		c.nodeList()
	case "connect":
		c.nodeConnect(args[1:])
	case "stop":
		c.nodeStop(args[1:])
	case "stat":
		c.nodeStat(args[1:])
	case "refresh":
		c.nodeRefresh(args[1:])
	default:
		fmt.Printf("unknown node subcommand %q\n", args[0])
	}
}

func (c *console) nodeStart() {
	n, err := node.New(c.cfg, "127.0.0.1:0", c.log)
	if err != nil {
		fmt.Println("start failed:", err)
		return
	}
	if err := n.Start(c.ctx); err != nil {
		fmt.Println("start failed:", err)
		return
	}
	c.nodes = append(c.nodes, &managedNode{n: n, startedAt: time.Now()})
	c.current = len(c.nodes) - 1
	fmt.Printf("node %d started at %s, key=%s\n", c.current, n.Addr(), n.Key().Hex())
}

func (c *console) nodeList() {
	if len(c.nodes) == 0 {
		fmt.Println("no nodes")
		return
	}
	for i, mn := range c.nodes {
		marker := " "
		if i == c.current {
			marker = "*"
		}
		fmt.Printf("%s %d: %s key=%s\n", marker, i, mn.n.Addr(), mn.n.Key().Hex())
	}
}

func (c *console) nodeConnect(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: node connect <ip> <port>")
		return
	}
	mn, ok := c.currentNode()
	if !ok {
		return
	}
	addr := args[0] + ":" + args[1]
	mn.n.Connect(c.ctx, addr)
	fmt.Println("bootstrap sent to", addr)
}

func (c *console) nodeStop(args []string) {
	mn, ok := c.nodeByArg(args)
	if !ok {
		return
	}
	if err := mn.n.Stop(); err != nil {
		fmt.Println("stop failed:", err)
		return
	}
	fmt.Println("stopped")
}

func (c *console) nodeStat(args []string) {
	mn, ok := c.nodeByArg(args)
	if !ok {
		return
	}
	st := mn.n.Stats(mn.startedAt)
	fmt.Printf("addr=%s key=%s peers=%d cache=%d long_term=%d bytes=%d connections=%d/%d uptime=%s\n",
		st.Addr, st.Key, st.PeerCount, st.Store.CacheCount, st.Store.LongTermCount, st.Store.TotalBytes,
		st.Connections.ActiveConnections, st.Connections.MaxConnections, st.Uptime.Round(time.Second))
}

func (c *console) nodeRefresh(args []string) {
	mn, ok := c.nodeByArg(args)
	if !ok {
		return
	}
	if err := mn.n.Refresh(c.ctx, ""); err != nil {
		fmt.Println("refresh failed:", err)
		return
	}
	fmt.Println("refresh triggered")
}

func (c *console) add(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: add <value>")
		return
	}
	mn, ok := c.currentNode()
	if !ok {
		return
	}
	value := strings.Join(args, " ")
	count, key := mn.n.Put(c.ctx, []byte(value))
	fmt.Printf("stored key=%s success_count=%d\n", key.Hex(), count)
}

func (c *console) get(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <hex-key>")
		return
	}
	mn, ok := c.currentNode()
	if !ok {
		return
	}
	data, found, err := mn.n.Get(c.ctx, args[0])
	if err != nil {
		fmt.Println("get failed:", err)
		return
	}
	if !found {
		fmt.Println("not found")
		return
	}
	fmt.Printf("%s\n", data)
}

func (c *console) hash(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: hash <value>")
		return
	}
	value := strings.Join(args, " ")
	fmt.Println(dhtkey.Compute([]byte(value)).Hex())
}

func (c *console) currentNode() (*managedNode, bool) {
	if c.current < 0 || c.current >= len(c.nodes) {
		fmt.Println("no current node; run 'node start' first")
		return nil, false
	}
	return c.nodes[c.current], true
}

func (c *console) nodeByArg(args []string) (*managedNode, bool) {
	if len(args) != 1 {
		fmt.Println("usage: ... <n>")
		return nil, false
	}
	i, err := strconv.Atoi(args[0])
	if err != nil || i < 0 || i >= len(c.nodes) {
		fmt.Println("no such node:", args[0])
		return nil, false
	}
	return c.nodes[i], true
}

func (c *console) stopAll() {
	for _, mn := range c.nodes {
		mn.n.Stop()
	}
}
