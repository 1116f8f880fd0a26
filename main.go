package main

import (
	"fmt"
	"image"
	"math"
	"os"
	"sort"

	"github.com/carlmjohnson/versioninfo"

	"github.com/geoatlas/basemap/mbtiles"
	"github.com/geoatlas/basemap/render"
	"github.com/geoatlas/basemap/slippymap"
	"github.com/geoatlas/basemap/tilecache"

	"github.com/iancoleman/strcase"
	"github.com/muesli/reflow/truncate"
	"github.com/urfave/cli/v2"
	pb "gopkg.in/cheggaaa/pb.v1"
)

const CONFIG string = `config`
const LOGLEVEL string = `loglevel`
const OUTPUT string = `output`
const ZOOM string = `zoom`
const WIDTH string = `width`
const HEIGHT string = `height`

const metadataDisplayWidth = 64

func main() {
	app := cli.NewApp()
	app.Name = "basemap"
	app.Usage = "Render raster basemaps from MBTiles tile databases"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    CONFIG,
			Aliases: []string{"c"},
			Usage:   "TOML config file with render defaults",
			EnvVars: []string{strcase.ToScreamingSnake(CONFIG)},
		},
		&cli.StringFlag{
			Name:    LOGLEVEL,
			Usage:   "Log level (debug, info, warn, error)",
			EnvVars: []string{strcase.ToScreamingSnake(LOGLEVEL)},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:      "info",
			Usage:     "Print zoom range, bounds and metadata of an MBTiles file",
			ArgsUsage: "<mbtiles>",
			Action:    infoAction,
		},
		{
			Name:      "render",
			Usage:     "Render an MBTiles basemap to a PNG image",
			ArgsUsage: "<mbtiles>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     OUTPUT,
					Aliases:  []string{"o"},
					Usage:    "Output PNG file",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(OUTPUT)},
				},
				&cli.IntFlag{
					Name:    ZOOM,
					Aliases: []string{"z"},
					Usage:   "Zoom level to render at; fits the viewport when omitted",
					Value:   -1,
					EnvVars: []string{strcase.ToScreamingSnake(ZOOM)},
				},
				&cli.IntFlag{
					Name:    WIDTH,
					Aliases: []string{"W"},
					Usage:   "Viewport width in pixels for zoom fitting",
					EnvVars: []string{strcase.ToScreamingSnake(WIDTH)},
				},
				&cli.IntFlag{
					Name:    HEIGHT,
					Aliases: []string{"H"},
					Usage:   "Viewport height in pixels for zoom fitting",
					EnvVars: []string{strcase.ToScreamingSnake(HEIGHT)},
				},
			},
			Action: renderAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setup(c *cli.Context) (*Conf, *slippymap.Map, *mbtiles.Store, error) {
	conf, err := loadConf(c.String(CONFIG))
	if err != nil {
		return nil, nil, nil, err
	}
	level := conf.Log.Level
	if c.String(LOGLEVEL) != "" {
		level = c.String(LOGLEVEL)
	}
	initLog(level)

	if c.Args().Len() != 1 {
		return nil, nil, nil, fmt.Errorf("expected exactly one MBTiles file argument")
	}
	source := c.Args().First()
	if _, err := os.Stat(source); os.IsNotExist(err) {
		return nil, nil, nil, fmt.Errorf("error opening MBTiles file: %w", err)
	}

	store, err := mbtiles.Open(source)
	if err != nil {
		return nil, nil, nil, err
	}

	m, err := slippymap.New(store, tilecache.NewMemory(conf.Render.CacheSize))
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return conf, m, store, nil
}

func infoAction(c *cli.Context) error {
	_, m, store, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	zooms := m.Zooms()
	bounds := m.GeoBounds()
	fmt.Printf("name:   %s\n", store.Name())
	fmt.Printf("zooms:  %d - %d\n", zooms.Min, zooms.Max)
	fmt.Printf("bounds: %.4f,%.4f - %.4f,%.4f\n",
		bounds.TopLeft.Lat, bounds.TopLeft.Lon,
		bounds.BottomRight.Lat, bounds.BottomRight.Lon)

	meta, err := store.Metadata()
	if err != nil {
		return err
	}
	printMetadata("format", meta.Format)
	printMetadata("description", meta.Description)
	printMetadata("attribution", meta.Attribution)
	extraKeys := make([]string, 0, len(meta.Extra))
	for k := range meta.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		printMetadata(k, fmt.Sprintf("%v", meta.Extra[k]))
	}
	return nil
}

func printMetadata(key, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%s: %s\n", key, truncate.StringWithTail(value, metadataDisplayWidth, "..."))
}

func renderAction(c *cli.Context) error {
	conf, m, store, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	width := conf.Render.Width
	if c.Int(WIDTH) > 0 {
		width = c.Int(WIDTH)
	}
	height := conf.Render.Height
	if c.Int(HEIGHT) > 0 {
		height = c.Int(HEIGHT)
	}

	if zoom := c.Int(ZOOM); zoom >= 0 {
		m.SetZoom(zoom)
	} else {
		m.ZoomFit([2]float64{float64(width), float64(height)}, m.GeoBounds())
	}
	log.Infof("rendering %s at zoom %d", store.Name(), m.Zoom())

	viewport := m.Bounds()
	canvasWidth := int(math.Ceil(viewport.XSpan() * m.ImageRatio()))
	canvasHeight := int(math.Ceil(viewport.YSpan() * m.ImageRatio()))
	log.Debugf("canvas %dx%d px", canvasWidth, canvasHeight)

	painter := render.NewImagePainter(canvasWidth, canvasHeight,
		[2]float64{viewport.MinX(), viewport.MinY()})

	tileSize := m.TileSizePixels()
	total := int(math.Ceil(viewport.XSpan()/tileSize)) * int(math.Ceil(viewport.YSpan()/tileSize))
	bar := pb.New(total).Prefix(fmt.Sprintf("Zoom %d : ", m.Zoom()))
	bar.Start()
	painter.OnDraw = func(image.Image, [2]float64) { bar.Increment() }

	m.Draw(painter, viewport)
	bar.Finish()

	out, err := os.Create(c.String(OUTPUT))
	if err != nil {
		return fmt.Errorf("could not create output file: %w", err)
	}
	defer out.Close()

	if err := render.WritePNG(out, painter.Image()); err != nil {
		return fmt.Errorf("could not write PNG: %w", err)
	}
	log.Infof("wrote %s", c.String(OUTPUT))
	return nil
}
