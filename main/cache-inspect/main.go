package main

// Dump or clear a user's memcached entries. Useful when debugging the
// cached-sql backend: shows exactly what the overlay has for a uid.

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/urfave/cli"

	"github.com/mozilla-services/go-syncserver/syncstorage"
)

func main() {
	app := cli.NewApp()
	app.Name = "cache-inspect"
	app.Usage = "dump or clear a user's memcache entries"
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{
			Name:  "server",
			Usage: "memcached host:port, repeatable",
		},
		cli.IntFlag{
			Name:  "uid",
			Usage: "user id",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "dump",
			Usage:  "print every cached value for the uid",
			Action: dump,
		},
		{
			Name:   "clear",
			Usage:  "delete every cached value for the uid",
			Action: clear,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) (*memcache.Client, int, error) {
	servers := c.GlobalStringSlice("server")
	if len(servers) == 0 {
		return nil, 0, cli.NewExitError("at least one --server is required", 1)
	}

	uid := c.GlobalInt("uid")
	if uid <= 0 {
		return nil, 0, cli.NewExitError("--uid is required", 1)
	}

	return memcache.New(servers...), uid, nil
}

// userKeys enumerates every key the server may hold for a uid. Tab
// item keys come from the cached id list.
func userKeys(client *memcache.Client, uid int) []string {
	u := strconv.Itoa(uid)

	keys := []string{
		"meta:global:" + u,
		"tabs:" + u,
		"tabs:stamp:" + u,
	}

	if item, err := client.Get("tabs:" + u); err == nil {
		var ids []string
		if err := json.Unmarshal(item.Value, &ids); err == nil {
			for _, id := range ids {
				keys = append(keys, "tabs:"+u+":"+id, "tabs:size:"+u+":"+id)
			}
		}
	}

	for _, name := range syncstorage.StandardCollections {
		keys = append(keys, "collections:stamp:"+u+":"+name)
	}

	return keys
}

func dump(c *cli.Context) error {
	client, uid, err := setup(c)
	if err != nil {
		return err
	}

	for _, key := range userKeys(client, uid) {
		item, err := client.Get(key)
		if err == memcache.ErrCacheMiss {
			continue
		}
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		fmt.Printf("%s\t%s\n", key, item.Value)
	}

	return nil
}

func clear(c *cli.Context) error {
	client, uid, err := setup(c)
	if err != nil {
		return err
	}

	cleared := 0
	for _, key := range userKeys(client, uid) {
		err := client.Delete(key)
		if err == memcache.ErrCacheMiss {
			continue
		}
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		cleared++
	}

	fmt.Printf("cleared %d keys for uid %d\n", cleared, uid)
	return nil
}
