// Package main bootstraps a development organization: it generates the root
// key, the first admin user and device, and writes the bundle under the
// output directory (bootstrap.json for the server, device.json for the
// client).
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/atinyakov/RealmKeeper/internal/certgen"
	"github.com/atinyakov/RealmKeeper/internal/models"
)

func main() {
	org := flag.String("org", "dev", "organization id")
	label := flag.String("label", "admin@dev", "label of the first user and device")
	out := flag.String("out", "bootstrap", "output directory")
	flag.Parse()

	bundle, err := certgen.Generate(*org, *label, models.DateTimeFromTime(time.Now()))
	if err != nil {
		log.Fatalf("generate bootstrap: %v", err)
	}
	if err := bundle.Save(*out); err != nil {
		log.Fatalf("save bootstrap: %v", err)
	}

	fmt.Printf("organization %s bootstrapped into ./%s\n", *org, *out)
	fmt.Printf("  user   %s\n", bundle.Device.UserID)
	fmt.Printf("  device %s\n", bundle.Device.DeviceID)
}
