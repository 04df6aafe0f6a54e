package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/spf13/viper"

	"github.com/bringyour/syncengine/syncengine"
)

const SyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sync engine control.

Config file keys (yaml): url, store, resource. Flags override the config.

Usage:
    syncctl watch [--config=<config>] [--url=<url>]
        [--message_count=<message_count>]
    syncctl send [--config=<config>] [--url=<url>] [<message>]
    syncctl sync-once [--config=<config>] [--url=<url>]
        [--store=<store>]
        --resource=<resource>
    syncctl store keys [--config=<config>] [--store=<store>] [<prefix>]
    syncctl store get [--config=<config>] [--store=<store>] <key>
    syncctl store set [--config=<config>] [--store=<store>] <key> <value>
    syncctl store remove [--config=<config>] [--store=<store>] <key>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Config file path.
    --url=<url>                      Channel url (watch, send) or resource url (sync-once).
    --store=<store>                  Store path. A .db suffix selects sqlite, anything else a json file.
    --resource=<resource>            Resource key to synchronize.
    --message_count=<message_count>  Print this many messages then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	config := loadConfig(opts)

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts, config)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts, config)
	} else if syncOnce_, _ := opts.Bool("sync-once"); syncOnce_ {
		syncOnce(opts, config)
	} else if store_, _ := opts.Bool("store"); store_ {
		storeInspect(opts, config)
	}
}

func loadConfig(opts docopt.Opts) *viper.Viper {
	config := viper.New()
	config.SetConfigName("syncctl")
	config.SetConfigType("yaml")
	if path, err := opts.String("--config"); err == nil && path != "" {
		config.SetConfigFile(path)
	} else {
		config.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			config.AddConfigPath(home)
		}
	}
	if err := config.ReadInConfig(); err != nil {
		// the config file is optional unless named explicitly
		if path, pathErr := opts.String("--config"); pathErr == nil && path != "" {
			Err.Fatalf("Could not read config %s (%s).\n", path, err)
		}
	}
	return config
}

func configString(opts docopt.Opts, config *viper.Viper, flag string, key string) string {
	if value, err := opts.String(flag); err == nil && value != "" {
		return value
	}
	return config.GetString(key)
}

func openStore(opts docopt.Opts, config *viper.Viper) syncengine.Store {
	path := configString(opts, config, "--store", "store")
	if path == "" {
		Err.Fatalf("Missing store path.\n")
	}
	if strings.HasSuffix(path, ".db") {
		store, err := syncengine.NewSqliteStore(path)
		if err != nil {
			Err.Fatalf("Could not open store %s (%s).\n", path, err)
		}
		return store
	}
	store, err := syncengine.NewFileStore(path)
	if err != nil {
		Err.Fatalf("Could not open store %s (%s).\n", path, err)
	}
	return store
}

// connect a channel and print inbound payloads
func watch(opts docopt.Opts, config *viper.Viper) {
	url := configString(opts, config, "--url", "url")
	if url == "" {
		Err.Fatalf("Missing channel url.\n")
	}

	var messageCount int
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	} else {
		messageCount = -1
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := syncengine.NewChannelWithDefaults(
		cancelCtx,
		syncengine.NewWebsocketTransportWithDefaults(),
		url,
	)
	defer channel.Close()

	messages := make(chan any, 64)
	unsubMessage := channel.AddMessageCallback(func(message any) {
		messages <- message
	})
	defer unsubMessage()
	unsubState := channel.AddStateCallback(func(state syncengine.ChannelState) {
		Err.Printf("channel %s", state)
	})
	defer unsubState()

	channel.Connect()

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		message := <-messages
		if b, err := json.Marshal(message); err == nil {
			Out.Printf("%s", b)
		} else {
			Out.Printf("%v", message)
		}
	}
}

// queue a message and wait for the channel to deliver it
func send(opts docopt.Opts, config *viper.Viper) {
	url := configString(opts, config, "--url", "url")
	if url == "" {
		Err.Fatalf("Missing channel url.\n")
	}

	messageContent, _ := opts.String("<message>")

	timeout := 30 * time.Second

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := syncengine.NewChannelWithDefaults(
		cancelCtx,
		syncengine.NewWebsocketTransportWithDefaults(),
		url,
	)
	defer channel.Close()

	channel.Connect()

	sent, err := channel.Send(messageContent)
	if err != nil {
		Err.Fatalf("Could not send (%s).\n", err)
	}
	if sent {
		Out.Printf("Message sent.")
		return
	}

	// queued. wait for the channel to open and flush
	endTime := time.Now().Add(timeout)
	for channel.QueueSize() > 0 {
		if endTime.Before(time.Now()) {
			Err.Fatalf("Message not sent (timeout).\n")
		}
		time.Sleep(100 * time.Millisecond)
	}
	Out.Printf("Message sent.")
}

// one reconciliation cycle against a rest resource
func syncOnce(opts docopt.Opts, config *viper.Viper) {
	url := configString(opts, config, "--url", "url")
	if url == "" {
		Err.Fatalf("Missing resource url.\n")
	}
	resourceKey := configString(opts, config, "--resource", "resource")
	if resourceKey == "" {
		Err.Fatalf("Missing resource key.\n")
	}

	store := openStore(opts, config)
	defer closeStore(store)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resource := syncengine.NewApiResource[map[string]any](cancelCtx, url)
	defer resource.Close()

	synchronizer := syncengine.NewSynchronizerWithDefaults(
		cancelCtx,
		&syncengine.SynchronizerConfig[map[string]any]{
			ResourceKey: resourceKey,
			Initial:     map[string]any{},
			Store:       store,
			Fetch:       resource.FetchFunc(),
			Push:        resource.PushFunc(),
		},
	)
	defer synchronizer.Close()

	if err := synchronizer.Sync(cancelCtx); err != nil {
		Err.Fatalf("Sync failed (%s).\n", err)
	}

	state := synchronizer.State()
	b, err := json.MarshalIndent(state.Data, "", "  ")
	if err != nil {
		Err.Fatalf("Could not encode state (%s).\n", err)
	}
	Out.Printf("%s", b)
}

func storeInspect(opts docopt.Opts, config *viper.Viper) {
	store := openStore(opts, config)
	defer closeStore(store)

	if keys_, _ := opts.Bool("keys"); keys_ {
		prefix, _ := opts.String("<prefix>")
		keys, err := store.Keys(prefix)
		if err != nil {
			Err.Fatalf("Could not list keys (%s).\n", err)
		}
		for _, key := range keys {
			Out.Printf("%s", key)
		}
	} else if get_, _ := opts.Bool("get"); get_ {
		key, _ := opts.String("<key>")
		value, ok, err := store.Get(key)
		if err != nil {
			Err.Fatalf("Could not get %s (%s).\n", key, err)
		}
		if !ok {
			Err.Fatalf("No value for %s.\n", key)
		}
		Out.Printf("%s", value)
	} else if set_, _ := opts.Bool("set"); set_ {
		key, _ := opts.String("<key>")
		value, _ := opts.String("<value>")
		if err := store.Set(key, value); err != nil {
			Err.Fatalf("Could not set %s (%s).\n", key, err)
		}
	} else if remove_, _ := opts.Bool("remove"); remove_ {
		key, _ := opts.String("<key>")
		if err := store.Remove(key); err != nil {
			Err.Fatalf("Could not remove %s (%s).\n", key, err)
		}
	}
}

func closeStore(store syncengine.Store) {
	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "store close: %s\n", err)
		}
	}
}
