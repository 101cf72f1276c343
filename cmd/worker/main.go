package main

import (
	"go.uber.org/fx"

	"github.com/hsn0918/enterprise-kb/internal/app"
)

func main() {
	fx.New(app.Module).Run()
}
