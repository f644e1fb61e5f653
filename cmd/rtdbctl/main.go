package main

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/bringyour/realtimedb/rtdb"
)

const RtdbCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Realtime database control.

Usage:
    rtdbctl fetch --api_key=<api_key> --token=<token> --collection=<collection> [--id=<id>] [--config=<config>]
    rtdbctl mutate --api_key=<api_key> --token=<token> --collection=<collection> --id=<id> --body=<body> [--config=<config>]
    rtdbctl delete --api_key=<api_key> --token=<token> --collection=<collection> --id=<id> [--config=<config>]
    rtdbctl watch --api_key=<api_key> --token=<token> --collection=<collection> [--id=<id>] [--config=<config>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_key=<api_key>        Base64-encoded host, identifying the database.
    --token=<token>            Bearer auth token.
    --collection=<collection>  Collection id.
    --id=<id>                  Document id.
    --body=<body>              JSON document body.
    --config=<config>          Path to an rtdbctl.toml config file.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RtdbCtlVersion)
	if err != nil {
		panic(err)
	}

	if fetch_, _ := opts.Bool("fetch"); fetch_ {
		fetch(opts)
	} else if mutate_, _ := opts.Bool("mutate"); mutate_ {
		mutate(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		remove(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func openDatabase(opts docopt.Opts) *rtdb.Database {
	apiKey, _ := opts.String("--api_key")
	token, _ := opts.String("--token")
	configPath, _ := opts.String("--config")

	config, err := loadFileConfig(configPath)
	if err != nil {
		Err.Fatalf("could not read config: %s", err)
	}

	db, err := rtdb.OpenDatabase(apiKey, token, config.databaseOptions())
	if err != nil {
		Err.Fatalf("could not open database: %s", err)
	}
	return db
}

func collectionRef(db *rtdb.Database, opts docopt.Opts) *rtdb.CollectionRef {
	collectionId, _ := opts.String("--collection")
	return db.Collection(collectionId)
}

func fetch(opts docopt.Opts) {
	db := openDatabase(opts)
	defer rtdb.CloseDatabase(db)

	collection := collectionRef(db, opts)
	if id, ok := opts.String("--id"); ok == nil && id != "" {
		ref := collection.Where("$id", rtdb.RelationEq, id)
		collection = &ref
	}

	callback, resultCh := rtdb.NewBlockingCallback[[]*rtdb.Document]()
	collection.Fetch(callback.Result)
	result := <-resultCh
	if result.Error != nil {
		Err.Fatalf("fetch failed: %s", result.Error)
	}
	for _, doc := range result.Result {
		raw, _ := json.Marshal(doc.Value)
		Out.Printf("%s\t%s\t%s", doc.Id, doc.Etag, raw)
	}
}

func mutate(opts docopt.Opts) {
	db := openDatabase(opts)
	defer rtdb.CloseDatabase(db)

	collectionId, _ := opts.String("--collection")
	id, _ := opts.String("--id")
	bodyStr, _ := opts.String("--body")

	var body map[string]any
	if err := json.Unmarshal([]byte(bodyStr), &body); err != nil {
		Err.Fatalf("invalid --body: %s", err)
	}

	callback, resultCh := rtdb.NewBlockingCallback[struct{}]()
	db.Collection(collectionId).Document(id).Mutate(body, func(err error) { callback.Result(struct{}{}, err) })
	result := <-resultCh
	if result.Error != nil {
		Err.Fatalf("mutate failed: %s", result.Error)
	}
	Out.Printf("ok")
}

func remove(opts docopt.Opts) {
	db := openDatabase(opts)
	defer rtdb.CloseDatabase(db)

	collectionId, _ := opts.String("--collection")
	id, _ := opts.String("--id")

	callback, resultCh := rtdb.NewBlockingCallback[struct{}]()
	db.Collection(collectionId).Document(id).Delete(func(err error) { callback.Result(struct{}{}, err) })
	result := <-resultCh
	if result.Error != nil {
		Err.Fatalf("delete failed: %s", result.Error)
	}
	Out.Printf("ok")
}

func watch(opts docopt.Opts) {
	db := openDatabase(opts)
	defer rtdb.CloseDatabase(db)

	collection := collectionRef(db, opts)
	if id, ok := opts.String("--id"); ok == nil && id != "" {
		ref := collection.Where("$id", rtdb.RelationEq, id)
		collection = &ref
	}

	unsubscribe := collection.Subscribe(func(diff rtdb.SubscriptionDiff, err error) {
		if err != nil {
			Err.Printf("subscription error: %s", err)
			return
		}
		for _, doc := range diff.Inserted {
			Out.Printf("+ %s", doc.Id)
		}
		for _, doc := range diff.Updated {
			Out.Printf("~ %s", doc.Id)
		}
		for _, doc := range diff.Removed {
			Out.Printf("- %s", doc.Id)
		}
	})
	defer unsubscribe()

	time.Sleep(24 * time.Hour)
}
