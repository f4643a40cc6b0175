package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "segment-delivery API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("sdctl %s\n", version)
	case "status":
		get(*addr+"/v1/status", printJSON)
	case "stats":
		get(*addr+"/v1/cache/stats", printJSON)
	case "clear":
		body := map[string]string{}
		if len(args) > 1 {
			body["video_id"] = args[1]
		}
		post(*addr+"/v1/cache/clear", body)
	case "preload":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: sdctl preload <video> [start] [count]")
			os.Exit(1)
		}
		cmdPreload(*addr, args[1:])
	case "videos":
		get(*addr+"/v1/videos", printVideos)
	case "segments":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: sdctl segments <video>")
			os.Exit(1)
		}
		get(*addr+"/v1/videos/"+url.PathEscape(args[1])+"/segments", printSegments)
	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: sdctl delete <video>")
			os.Exit(1)
		}
		do(http.MethodDelete, *addr+"/v1/videos/"+url.PathEscape(args[1]), nil, printJSON)
	case "shards":
		get(*addr+"/v1/shards", printShards)
	case "shard":
		if len(args) < 3 || (args[1] != "disable" && args[1] != "enable") {
			fmt.Fprintln(os.Stderr, "usage: sdctl shard disable|enable <id>")
			os.Exit(1)
		}
		post(*addr+"/v1/shards/"+args[2]+"/"+args[1], nil)
	case "popular":
		target := *addr + "/v1/sessions/popular"
		if len(args) > 1 {
			target += "?n=" + url.QueryEscape(args[1])
		}
		get(target, printPopular)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `sdctl - segment delivery management CLI

Usage:
  sdctl [flags] <command> [args]

Commands:
  status                        Show overall status
  stats                         Show cache, session and shard statistics
  clear [video]                 Clear the cache, or one video's entries
  preload <video> [start] [n]   Warm n segments starting at start
  videos                        List videos
  segments <video>              List a video's segments and their shards
  delete <video>                Delete a video from its shards and the index
  shards                        List shards
  shard disable|enable <id>     Take a shard out of or back into service
  popular [n]                   Show the most watched videos
  version                       Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

func cmdPreload(addr string, args []string) {
	body := map[string]interface{}{"video_id": args[0]}
	for i, name := range []string{"start_index", "count"} {
		if len(args) <= i+1 {
			break
		}
		n, err := strconv.Atoi(args[i+1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid %s: %v\n", name, err)
			os.Exit(1)
		}
		body[name] = n
	}
	post(addr+"/v1/cache/preload", body)
}

func get(target string, show func(io.Reader)) {
	do(http.MethodGet, target, nil, show)
}

func post(target string, body interface{}) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
	do(http.MethodPost, target, payload, printJSON)
}

func do(method, target string, payload []byte, show func(io.Reader)) {
	req, err := http.NewRequest(method, target, bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		printJSON(resp.Body)
		resp.Body.Close()
		os.Exit(1)
	}
	show(resp.Body)
}

func decodeList(r io.Reader) []map[string]interface{} {
	var list []map[string]interface{}
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}
	return list
}

func printVideos(r io.Reader) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VIDEO\tSTATUS\tPOLICY\tSEGMENTS\tSIZE\tDURATION")
	for _, v := range decodeList(r) {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\n",
			v["video_id"], v["status"], v["policy"], v["segment_count"], v["total_size"], v["total_duration"])
	}
	w.Flush()
}

func printSegments(r io.Reader) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tNAME\tSHARD\tSIZE\tDURATION")
	for _, s := range decodeList(r) {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			s["order"], s["name"], s["shard_id"], s["size"], s["duration"])
	}
	w.Flush()
}

func printShards(r io.Reader) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tBACKEND\tHEALTHY\tDISABLED\tSEGMENTS\tBYTES\tFAILURES")
	for _, s := range decodeList(r) {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			s["id"], s["name"], s["backend"], s["healthy"], s["disabled"],
			s["segments"], s["segments_bytes"], s["failures"])
	}
	w.Flush()
}

func printPopular(r io.Reader) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VIDEO\tSESSIONS")
	for _, p := range decodeList(r) {
		fmt.Fprintf(w, "%v\t%v\n", p["video_id"], p["sessions"])
	}
	w.Flush()
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
