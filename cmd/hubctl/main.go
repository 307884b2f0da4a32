// Package main provides a CLI for the hub server's admin gRPC service.
//
// Usage:
//
//	hubctl [-addr host:port] rooms
//	hubctl [-addr host:port] room <room-id>
//	hubctl [-addr host:port] stats
//	hubctl [-addr host:port] announce <topic> [json-object]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/playhub/internal/admin"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:50061", "admin gRPC address")
	timeout := flag.Duration("timeout", 5*time.Second, "per-call timeout")
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("connecting to %s: %v", *addr, err)
	}
	defer conn.Close()
	client := admin.NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	args := flag.Args()
	var out *structpb.Struct
	switch args[0] {
	case "rooms":
		out, err = client.ListRooms(ctx)
	case "room":
		if len(args) < 2 {
			log.Fatal("room: missing room id")
		}
		out, err = client.GetRoom(ctx, args[1])
	case "stats":
		out, err = client.Stats(ctx)
	case "announce":
		if len(args) < 2 {
			log.Fatal("announce: missing topic")
		}
		var data map[string]any
		if len(args) > 2 {
			if err := json.Unmarshal([]byte(args[2]), &data); err != nil {
				log.Fatalf("announce: data must be a JSON object: %v", err)
			}
		}
		err = client.Announce(ctx, args[1], data)
	default:
		log.Fatalf("unknown command %q", args[0])
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
	if out == nil {
		fmt.Fprintln(os.Stdout, "ok")
		return
	}

	text, err := protojson.MarshalOptions{Multiline: true}.Marshal(out)
	if err != nil {
		log.Fatalf("formatting response: %v", err)
	}
	fmt.Fprintln(os.Stdout, string(text))
}
