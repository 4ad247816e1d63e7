// Command reget resolves one or more keys against a Redis-compatible node
// using CommandClient, Call/MGet's asynchronous Future resolved synchronously
// via Wait.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	redis "github.com/pusher/hiredis-go"
)

var (
	addrFlag    = flag.String("addr", "localhost:6379", "Redis node `address`, or a Unix socket path.")
	dbFlag      = flag.Int64("db", 0, "Database `index` to SELECT after connecting.")
	authFlag    = flag.Bool("auth", false, "Reads a password from the standard input.")
	timeoutFlag = flag.Duration("timeout", 5*time.Second, "Connect `deadline`.")

	rawFlag       = flag.Bool("raw", false, "Output values as is, instead of quoted strings.")
	delimitFlag   = flag.String("delimit", "\n", "The output `separator` between values.")
	terminateFlag = flag.String("terminate", "\n", "The output `suffix` on the last value.")
	nullFlag      = flag.String("null", "<null>", "The output `value` for key absence.")
)

func main() {
	flag.Parse()
	keys := flag.Args()
	if len(keys) == 0 {
		usage()
		os.Exit(1)
	}
	os.Exit(run(keys, os.Stdin, os.Stdout))
}

func usage() {
	os.Stderr.WriteString(`NAME
	reget — resolve Redis content

SYNOPSIS
	reget [ options ] [ key ... ]

DESCRIPTION
	For each operand, reget prints the associated value according to
	the node.

	The following options are available:

`)
	flag.PrintDefaults()
}

// run dials, optionally authenticates, resolves every key and writes the
// result to out, returning a process exit code. Kept separate from main so
// the formatting logic can be exercised without a real connection.
func run(keys []string, stdin io.Reader, out io.Writer) int {
	ep, err := resolveEndpoint(*addrFlag, *dbFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reget: address with", err)
		return 2
	}

	client := redis.NewCommandClient(ep)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()
	if err := awaitConnect(ctx, client); err != nil {
		fmt.Fprintln(os.Stderr, "reget: connect with", err)
		return 3
	}

	if *authFlag {
		password, _ := ioutil.ReadAll(stdin)
		if _, err := client.Auth(string(password)).Wait(); err != nil {
			fmt.Fprintln(os.Stderr, "reget: AUTH with", err)
			return 4
		}
	}

	values, err := resolveValues(client, keys)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reget: MGET with", err)
		return 255
	}
	formatValues(out, values)
	return 0
}

// awaitConnect races CommandClient.Connect's Future against ctx, so a node
// that never comes up doesn't hang reget forever.
func awaitConnect(ctx context.Context, client *redis.CommandClient) error {
	done := make(chan error, 1)
	go func() {
		_, err := client.Connect().Wait()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resolveEndpoint(addr string, db int64) (redis.Endpoint, error) {
	ep, err := redis.ParseURI("redis://" + addr)
	if err != nil {
		// addr may itself be a Unix socket path ("/var/run/redis.sock"),
		// which ParseURI only recognizes without the "redis://" prefix.
		ep, err = redis.ParseURI(addr)
		if err != nil {
			return redis.Endpoint{}, err
		}
	}
	ep.DB = db
	return ep, nil
}

func resolveValues(client *redis.CommandClient, keys []string) ([]interface{}, error) {
	result, err := client.MGet(keys...).Wait()
	if err != nil {
		return nil, err
	}
	values, _ := result.([]interface{})
	return values, nil
}

func formatValues(w io.Writer, values []interface{}) {
	for i, v := range values {
		switch b := v.(type) {
		case nil:
			io.WriteString(w, *nullFlag)
		case []byte:
			if *rawFlag {
				w.Write(b)
			} else {
				io.WriteString(w, strconv.QuoteToGraphic(string(b)))
			}
		}

		if i < len(values)-1 {
			io.WriteString(w, *delimitFlag)
		} else {
			io.WriteString(w, *terminateFlag)
		}
	}
}
