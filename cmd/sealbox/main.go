// Command sealbox exercises a sealbox server from the command line: it binds
// a session, saves the given payload, reads it back and prints the result.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path"

	"code.sealbox.org/golang/pkg/vault"
)

const usageFmt = `
Command Usage: %s [Flags] payload
  Store payload on a sealbox server and read it back.

Flags:
------
`

type Cmd struct {
	Server  string
	Keep    bool
	Payload []byte
}

func parseFlags(progname string, args []string) *Cmd {
	cmd := Cmd{}

	flags := flag.NewFlagSet(progname, flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, usageFmt, path.Base(progname))
		flags.PrintDefaults()
	}

	flags.StringVar(&cmd.Server, "server", "http://localhost:8480", `sealbox server url`)
	flags.BoolVar(&cmd.Keep, "keep", false, `keep the session & record on the server after the round trip`)

	var debug bool
	flags.BoolVar(&debug, "v", false, `enable debug logging`)

	flags.Parse(args)
	if debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if 1 != flags.NArg() {
		flags.Usage()
		os.Exit(2)
	}
	cmd.Payload = []byte(flags.Arg(0))

	return &cmd
}

func main() {
	cmd := parseFlags(os.Args[0], os.Args[1:])
	ctx := context.Background()

	cli := newClient(cmd.Server)
	defer cli.Close()

	err := cli.EstablishSession(ctx)
	if nil != err {
		log.Fatalf("Failed session establishment, got error %v", err)
	}
	identity, _ := cli.Identity()
	fmt.Printf("session bound, identity %s\n", identity)

	err = cli.Save(ctx, cmd.Payload)
	if nil != err {
		log.Fatalf("Failed save, got error %v", err)
	}
	fmt.Printf("saved %d bytes\n", len(cmd.Payload))

	payload, err := cli.Retrieve(ctx)
	if nil != err {
		log.Fatalf("Failed retrieve, got error %v", err)
	}
	if !bytes.Equal(cmd.Payload, payload) {
		log.Fatalf("Retrieved payload differs from saved payload")
	}
	fmt.Printf("retrieved %d bytes, payloads match\n", len(payload))

	if !cmd.Keep {
		err = cli.ClearSession(ctx)
		if nil != err {
			log.Fatalf("Failed session clear, got error %v", err)
		}
		fmt.Println("session cleared")
	}
}

func newClient(serverUrl string) *vault.Client {
	conveyor, err := vault.NewHTTPConveyor(nil, serverUrl)
	if nil != err {
		log.Fatalf("Failed conveyor initialization, got error %v", err)
	}
	cli, err := vault.NewClient(conveyor)
	if nil != err {
		log.Fatalf("Failed client initialization, got error %v", err)
	}

	return cli
}
