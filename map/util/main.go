// Command util 把 Tiled 导出的 .tmj 地图上传到地图服务。
//
//	util -input world.tmj -server http://localhost:8080 -name Terra
//
// 没给 -map-id 时先按 -name 新建地图。token 也可以放在 PLANET_TOKEN 环境变量里。
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"planet/api/client/loader"
	"planet/api/client/mapsave"
	"planet/api/log"
	"planet/api/model"
	"planet/api/service/mappkg"

	"github.com/schollz/progressbar/v3"
)

func main() {
	input := flag.String("input", "map.tmj", "Path to Tiled JSON (.tmj/.json)")
	server := flag.String("server", "http://localhost:8080", "Map service base URL")
	token := flag.String("token", os.Getenv("PLANET_TOKEN"), "Bearer token for /auth routes")
	mapID := flag.String("map-id", "", "Existing map id (default: create a new map)")
	name := flag.String("name", "", "Planet name (default: file name)")
	surface := flag.String("surface", model.DefaultPlanetSurface, "Base surface tile")
	size := flag.Int("size", 0, "Planet size in tiles (default: max(width, height))")
	chunk := flag.Int("chunk", 32, "Chunk size in tiles")
	surfaceLayers := flag.String("surface-layers", "Surface", "Comma separated tile layers stored as Surface")
	flipY := flag.Bool("flip-y", false, "Flip rows so y grows upwards")
	dryRun := flag.Bool("dry-run", false, "Only print what would be uploaded")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options{
		input: *input, server: *server, token: *token, mapID: *mapID, name: *name, surface: *surface,
		size: *size, chunk: *chunk, surfaceLayers: *surfaceLayers, flipY: *flipY, dryRun: *dryRun,
	}); err != nil {
		log.Fatalf("import failed: %v", err)
	}
}

type options struct {
	input, server, token, mapID, name, surface, surfaceLayers string
	size, chunk                                               int
	flipY, dryRun                                             bool
}

func run(ctx context.Context, o options) error {
	f, err := os.Open(o.input)
	if err != nil {
		return err
	}
	defer f.Close()
	tm, err := mappkg.DecodeTMJ(f)
	if err != nil {
		return err
	}

	var layers []string
	for _, l := range strings.Split(o.surfaceLayers, ",") {
		if l = strings.TrimSpace(l); l != "" {
			layers = append(layers, l)
		}
	}
	recs := tm.Records(mappkg.ImportOptions{SurfaceLayers: layers, FlipY: o.flipY})

	if o.name == "" {
		o.name = strings.TrimSuffix(filepath.Base(o.input), filepath.Ext(o.input))
	}
	if o.size == 0 {
		o.size = max(tm.Width, tm.Height)
	}
	log.Infof("%s: %dx%d tiles, %d records", o.input, tm.Width, tm.Height, len(recs))
	if o.dryRun {
		return nil
	}
	if o.token == "" {
		return errors.New("token is required (-token or PLANET_TOKEN)")
	}

	client := loader.NewClient(o.server, loader.ClientOptions{Token: o.token})
	if o.mapID == "" {
		meta, err := client.CreateMap(ctx, model.CreateMapRequest{
			PlanetName: o.name, PlanetSurface: o.surface, PlanetSize: o.size, ChunkSize: o.chunk,
		})
		if err != nil {
			return err
		}
		o.mapID = meta.ID
		log.Infof("created map %s (%s)", meta.ID, meta.PlanetName)
	}

	sess, err := mapsave.NewSession(client, mapsave.Header{
		MapID: o.mapID, PlanetName: o.name, PlanetSurface: o.surface, PlanetSize: o.size, ChunkSize: o.chunk,
	})
	if err != nil {
		return err
	}
	if err := sess.Add(recs...); err != nil {
		return err
	}

	groups := len(sess.Groups())
	bar := progressbar.NewOptions(groups+1,
		progressbar.OptionSetDescription("uploading "+o.mapID),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)
	sum, err := sess.Commit(ctx, func(done, _ int) { _ = bar.Set(done) })
	_ = bar.Finish()
	if err != nil {
		return err
	}
	log.Infof("map %s saved: %d chunks, %d tiles, %d tasks, %d requests, %d empty records skipped",
		o.mapID, sum.Chunks, sum.Tiles, sum.TasksCreated, sum.Requests, sess.Skipped())
	return nil
}
