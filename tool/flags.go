package tool

import (
	"github.com/urfave/cli/v2"

	"github.com/moyoez/chunkrecv/types"
)

// Flags are the global CLI flags shared by every command.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "log", Value: "prod", Usage: "log mode: dev|prod|none"},
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "override config file path"},
		&cli.IntFlag{Name: "port", Usage: "override listen port"},
		&cli.StringFlag{Name: "upload-folder", Usage: "override default upload folder"},
		&cli.StringFlag{Name: "storage", Usage: "override chunk storage backend: fs|memory|redis|s3"},
		&cli.BoolFlag{Name: "do-not-make-session-folder", Usage: "write artifacts directly into the upload folder"},
	}
}

// FlagsFromContext collects the override config from parsed CLI flags.
func FlagsFromContext(c *cli.Context) types.Config {
	return types.Config{
		Log:                    c.String("log"),
		UseConfigPath:          c.String("config"),
		UsePort:                c.Int("port"),
		UseDefaultUploadFolder: c.String("upload-folder"),
		UseStorage:             c.String("storage"),
		DoNotMakeSessionFolder: c.Bool("do-not-make-session-folder"),
	}
}
