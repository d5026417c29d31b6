package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/CK6170/fruitell-go/internal/server"
)

func main() {
	var (
		addr = flag.String("addr", "127.0.0.1:8080", "http listen address")
		web  = flag.String("web", "./web", "path to web root (index.html)")
	)
	flag.Parse()

	s := server.New(*web)
	log.Printf("Serving on http://%s", *addr)
	log.Printf("UI:        http://%s/", *addr)
	if err := http.ListenAndServe(*addr, s.Handler()); err != nil {
		log.Fatal(err)
	}
}
