package main

import (
	"fmt"
	"log"

	"github.com/m3rciful/userbots/core/buildinfo"
	corecmd "github.com/m3rciful/userbots/core/cmd"
	"github.com/m3rciful/userbots/userbot/app"
)

func main() {
	log.Printf("userbots %s", buildinfo.Get())
	err := corecmd.Run(corecmd.Options{
		DefaultConfigPath: "config.yaml",
		LoadConfig: func(path string) (corecmd.ConfigCarrier, error) {
			return app.LoadConfig(path)
		},
		Bootstrap: func(cfg corecmd.ConfigCarrier) (corecmd.TelegramApp, error) {
			c, ok := cfg.(*app.Config)
			if !ok {
				return nil, fmt.Errorf("unexpected config type %T", cfg)
			}
			return app.Bootstrap(c)
		},
	})
	if err != nil {
		log.Fatal(err)
	}
}
