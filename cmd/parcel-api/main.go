package main

import (
	"context"
	"errors"
	"log/slog"
)

func main() {
	app := mustBootstrapParcelAPI()
	defer app.Close()

	if err := app.Run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("parcel-api stopped", "err", err)
		panic(err)
	}
}
