// Command ttgd is the example daemon SPEC_FULL.md's external
// interfaces section names: it initializes a graph.Context against a
// single-rank World and serves that World's rank/fence status over
// HTTP via world/httpworld, for an operator to poll while a longer
// batch job runs against the same process in-library.
package main

import (
	"flag"
	"net/http"

	"github.com/flowgraph/ttg/graph"
	"github.com/flowgraph/ttg/log"
	"github.com/flowgraph/ttg/world"
	"github.com/flowgraph/ttg/world/httpworld"
)

func main() {
	addr := flag.String("addr", ":8686", "listen address for the rank/fence control surface")
	workers := flag.Int("workers", 4, "task queue worker count")
	flag.Parse()

	w := world.NewLocal()
	ctx, err := graph.Initialize(w, graph.WithWorkers(*workers), graph.WithLogger(log.Std))
	if err != nil {
		log.Fatalf("ttgd: initialize: %v", err)
	}
	defer ctx.Finalize()

	srv := httpworld.New(w)
	log.Std.Printf("ttgd: rank %d/%d serving on %s", ctx.Rank(), ctx.Size(), *addr)
	if err := http.ListenAndServe(*addr, srv); err != nil {
		log.Fatalf("ttgd: %v", err)
	}
}
