// Package main runs the interactive client: it loads the device
// credentials, keeps the certificate store fresh by polling the server, and
// syncs the user manifest and workspaces through the reconciler.
package main

import (
	"bufio"
	"cmp"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atinyakov/RealmKeeper/internal/certgen"
	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/keys"
	"github.com/atinyakov/RealmKeeper/internal/logger"
	"github.com/atinyakov/RealmKeeper/internal/models"
	"github.com/atinyakov/RealmKeeper/internal/remote"
	"github.com/atinyakov/RealmKeeper/internal/syncer"
	"github.com/atinyakov/RealmKeeper/internal/trustchain"
)

var (
	version   string
	buildDate string
)

type session struct {
	device     *models.DeviceContext
	vault      *syncer.Vault
	ops        *trustchain.Ops
	auto       *syncer.AutoSync
	client     remote.Client
	reconciler *syncer.Reconciler
}

// repl runs the interactive shell loop.
func (s *session) repl(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("realmkeeper> ")
		if !scanner.Scan() {
			return
		}
		args := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "help":
			fmt.Println("Available commands: help, poll, sync, ws <name>, share <realm> <user> <role>, ls, shamir, now, exit")
		case "poll":
			added, err := s.ops.PollServer(ctx)
			if err != nil {
				fmt.Println("poll failed:", err)
				continue
			}
			fmt.Printf("%d new certificates\n", added)
		case "sync":
			if err := s.auto.RunOnce(ctx); err != nil {
				fmt.Println("sync failed:", err)
				continue
			}
			fmt.Println("in sync")
		case "ws":
			if len(args) < 2 {
				fmt.Println("Usage: ws <name>")
				continue
			}
			if err := s.createWorkspace(ctx, strings.Join(args[1:], " ")); err != nil {
				fmt.Println("workspace creation failed:", err)
			}
		case "share":
			if len(args) != 4 {
				fmt.Println("Usage: share <realm-id> <user-id> <reader|contributor|manager|owner>")
				continue
			}
			if err := s.share(ctx, args[1], args[2], args[3]); err != nil {
				fmt.Println("share failed:", err)
			}
		case "ls":
			s.list()
		case "shamir":
			s.shamir(ctx)
		case "now":
			now, err := s.client.ServerNow(ctx)
			if err != nil {
				fmt.Println("server unreachable:", err)
				continue
			}
			fmt.Println("server time:", now)
		case "exit":
			return
		default:
			fmt.Println("Unknown command. Type 'help'.")
		}
	}
}

// createWorkspace generates a realm with a fresh key, registers it locally
// and pushes it to the server.
func (s *session) createWorkspace(ctx context.Context, name string) error {
	realmID := uuid.New()
	key, err := keys.NewSecretKey()
	if err != nil {
		return err
	}
	now := s.device.Timestamp()
	if err := s.vault.StoreRealmKey(realmID, 1, key); err != nil {
		return err
	}
	if err := s.vault.EnsureWorkspace(realmID, realmID, now, false); err != nil {
		return err
	}
	if err := s.vault.WithUser(func(u *models.LocalUserManifest) error {
		u.AddWorkspace(models.WorkspaceEntry{Name: name, RealmID: realmID}, now)
		return nil
	}); err != nil {
		return err
	}

	if err := s.reconciler.Sync(ctx, syncer.NewWorkspaceEntity(s.vault, s.device, s.ops, s.vault, realmID, 1)); err != nil {
		return err
	}
	if err := s.reconciler.Sync(ctx, syncer.NewUserEntity(s.vault, s.device, s.ops)); err != nil {
		return err
	}
	fmt.Printf("workspace %q created (%s)\n", name, realmID)
	return nil
}

func (s *session) share(ctx context.Context, realm, user, role string) error {
	realmID, err := uuid.Parse(realm)
	if err != nil {
		return fmt.Errorf("bad realm id: %w", err)
	}
	userID, err := uuid.Parse(user)
	if err != nil {
		return fmt.Errorf("bad user id: %w", err)
	}
	if err := s.ops.ShareRealm(ctx, realmID, userID, models.RealmRole(role)); err != nil {
		return err
	}
	fmt.Printf("granted %s to %s in %s\n", role, userID, realmID)
	return nil
}

func (s *session) list() {
	user, err := s.vault.User()
	if err != nil {
		fmt.Println("no local state:", err)
		return
	}
	if len(user.LocalWorkspaces) == 0 {
		fmt.Println("no workspaces")
		return
	}
	for _, entry := range user.LocalWorkspaces {
		fmt.Printf("%s  %s\n", entry.RealmID, entry.Name)
		ws, err := s.vault.Workspace(entry.RealmID)
		if err != nil {
			continue
		}
		for name, id := range ws.Children {
			fmt.Printf("  %s  %s\n", id, name)
		}
	}
}

func (s *session) shamir(ctx context.Context) {
	state, info, err := s.ops.SelfShamirRecoveryInfo(ctx)
	if err != nil {
		fmt.Println("shamir lookup failed:", err)
		return
	}
	fmt.Println("recovery state:", state)
	if info == nil {
		return
	}
	fmt.Printf("  threshold %d, reachable shares %d\n", info.Threshold, info.ReachableShares)
	for _, r := range info.Recipients {
		status := ""
		if r.Revoked {
			status = " (revoked)"
		}
		fmt.Printf("  recipient %s: %d shares%s\n", r.UserID, r.Shares, status)
	}
}

func main() {
	serverURL := flag.String("s", "http://localhost:8080", "server base URL")
	devicePath := flag.String("device", "bootstrap/device.json", "path to device.json")
	vaultPath := flag.String("vault", "vault.bin", "path to the local vault")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	zl := logger.New()
	if err := zl.Init(*logLevel); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Log.Sync() }()

	deviceFile, err := certgen.LoadDeviceFile(*devicePath)
	if err != nil {
		log.Fatalf("load device file: %v", err)
	}
	device, err := deviceFile.Context(nil)
	if err != nil {
		log.Fatalf("device context: %v", err)
	}

	vault, err := syncer.OpenVault(*vaultPath, device.LocalStorageKey)
	if err != nil {
		log.Fatalf("open vault: %v", err)
	}
	if err := vault.EnsureUser(device.UserRealmID, device.Timestamp(), true); err != nil {
		log.Fatalf("init user manifest: %v", err)
	}

	client := remote.NewHTTPClient(*serverURL, device.DeviceID, nil)
	store := certstore.New(certstore.NewMemoryBackend(), zl.Log)
	defer store.Stop()

	ops := trustchain.New(store, device, client, vault, zl.Log)
	reconciler := syncer.NewReconciler(ops, client, device, vault, zl.Log)
	auto := syncer.NewAutoSync(reconciler, ops, vault, device, zl.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	auto.Start(ctx, 30*time.Second)

	s := &session{
		device: device, vault: vault, ops: ops,
		auto: auto, client: client, reconciler: reconciler,
	}
	s.repl(ctx)
}
