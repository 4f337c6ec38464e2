package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/attested-vault-client/correlator"
	"github.com/ruteri/attested-vault-client/credential"
	"github.com/ruteri/attested-vault-client/cryptoutils"
	"github.com/ruteri/attested-vault-client/interfaces"
	"github.com/ruteri/attested-vault-client/provisioning"
	"github.com/ruteri/attested-vault-client/session"
	"github.com/ruteri/attested-vault-client/storage"
	"github.com/ruteri/attested-vault-client/subject"
	"github.com/ruteri/attested-vault-client/transport"
	"github.com/ruteri/attested-vault-client/vaulttest"
)

var flagOwner = &cli.StringFlag{
	Name:  "owner",
	Value: "owner1",
	Usage: "Owner namespace scoping all subjects",
}
var flagDevice = &cli.StringFlag{
	Name:  "device",
	Value: "device-1",
	Usage: "Device identifier sent with bootstrap requests",
}
var flagSecretStore = &cli.StringFlag{
	Name:  "secret-store",
	Value: "memory://",
	Usage: "Secret store URI: memory://, file:///path, vault://host:port/mount/prefix?token=..., s3://bucket/prefix?region=...",
}
var flagMeasurementsFile = &cli.StringFlag{
	Name:  "measurements-file",
	Usage: "JSON file with expected measurement registers, {\"0\": \"hex\", ...}",
}
var flagPin = &cli.StringFlag{
	Name:  "pin",
	Value: "123456",
	Usage: "Enrollment PIN to submit",
}
var flagPassword = &cli.StringFlag{
	Name:  "password",
	Value: "self-test-password",
	Usage: "Password to enroll the credential with",
}
var flagCredentialFile = &cli.StringFlag{
	Name:  "credential-file",
	Value: "credential.json",
	Usage: "Path to the credential blob",
}
var flagKitFile = &cli.StringFlag{
	Name:  "kit-file",
	Value: "recovery-kit.bin",
	Usage: "Path to the sealed recovery kit",
}
var flagShares = &cli.IntFlag{
	Name:  "total-shares",
	Value: 3,
	Usage: "Number of recovery shares to produce",
}
var flagThreshold = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "Number of shares required to recover",
}
var flagShareFiles = &cli.StringSliceFlag{
	Name:  "share-file",
	Usage: "Recovery share file, repeat for each share",
}
var flagDNSServer = &cli.StringFlag{
	Name:  "dns-server",
	Usage: "DNS server to query for bus SRV records (defaults to the local resolver stub)",
}
var flagLogJSON = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var flagLogDebug = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

func main() {
	app := &cli.App{
		Name:  "enrollment-client",
		Usage: "attested vault enrollment and session tooling",
		Flags: []cli.Flag{
			flagOwner,
			flagDevice,
			flagSecretStore,
			flagLogJSON,
			flagLogDebug,
		},
		Commands: []*cli.Command{
			{
				Name:        "self-test",
				Usage:       "run a full enrollment against an in-process vault peer",
				Description: "Brings up the in-memory bus and fake vault, runs attestation, PIN submission, credential creation, and the sealed echo, then prints the issued credential.",
				Flags: []cli.Flag{
					flagPin,
					flagPassword,
					flagMeasurementsFile,
				},
				Action: runSelfTest,
			},
			{
				Name:  "session",
				Usage: "inspect or clear the persisted session",
				Subcommands: []*cli.Command{
					{
						Name:   "status",
						Usage:  "print the persisted session's id, age, and rotation state",
						Action: runSessionStatus,
					},
					{
						Name:   "clear",
						Usage:  "destroy the persisted session",
						Action: runSessionClear,
					},
				},
			},
			{
				Name:  "recovery",
				Usage: "split a credential into an offline recovery kit, or recombine one",
				Subcommands: []*cli.Command{
					{
						Name:  "split",
						Usage: "seal the credential and write threshold recovery shares",
						Flags: []cli.Flag{
							flagCredentialFile,
							flagKitFile,
							flagShares,
							flagThreshold,
						},
						Action: runRecoverySplit,
					},
					{
						Name:  "combine",
						Usage: "recombine shares and unseal the credential",
						Flags: []cli.Flag{
							flagCredentialFile,
							flagKitFile,
							flagShareFiles,
						},
						Action: runRecoveryCombine,
					},
				},
			},
			{
				Name:   "resolve-bus",
				Usage:  "resolve bus endpoints for a domain via SRV records",
				Flags:  []cli.Flag{flagDNSServer},
				Action: runResolveBus,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupLogger(cCtx *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if cCtx.Bool(flagLogDebug.Name) {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cCtx.Bool(flagLogJSON.Name) {
		handler = slog.NewJSONHandler(os.Stderr, options)
	} else {
		handler = slog.NewTextHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

func openStore(cCtx *cli.Context, logger *slog.Logger) (interfaces.SecretStore, error) {
	return storage.NewStoreFactory(logger).StoreFor(cCtx.String(flagSecretStore.Name))
}

func loadMeasurements(path string) (interfaces.Measurements, error) {
	if path == "" {
		return vaulttest.Measurements, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read measurements file: %w", err)
	}
	var measurements interfaces.Measurements
	if err := json.Unmarshal(raw, &measurements); err != nil {
		return nil, fmt.Errorf("failed to parse measurements file: %w", err)
	}
	return measurements, nil
}

func runSelfTest(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)
	ctx := context.Background()

	owner, err := interfaces.NewOwnerID(cCtx.String(flagOwner.Name))
	if err != nil {
		return err
	}
	measurements, err := loadMeasurements(cCtx.String(flagMeasurementsFile.Name))
	if err != nil {
		return err
	}
	store, err := openStore(cCtx, logger)
	if err != nil {
		return err
	}

	bus := transport.NewMemoryBus(logger)
	defer bus.Close()

	vault, err := vaulttest.New(owner, bus, vaulttest.Config{}, logger)
	if err != nil {
		return err
	}
	if err := vault.Start(ctx); err != nil {
		return err
	}

	corr := correlator.New(bus, subject.AppInbox(owner), logger)
	if err := corr.Start(ctx); err != nil {
		return err
	}

	crypto := session.NewCrypto(store, logger)
	lifecycle := session.NewLifecycle(owner, interfaces.DeviceID(cCtx.String(flagDevice.Name)), crypto, corr, logger).
		WithTimeout(5 * time.Second)

	verifiers := cryptoutils.NewVerifierRegistry(cryptoutils.DummyVerifier{})
	handshake := provisioning.NewHandshake(lifecycle, corr, verifiers, measurements, logger).
		WithTimeout(5 * time.Second)

	blob, err := handshake.Run(ctx, cCtx.String(flagPin.Name), cCtx.String(flagPassword.Name))
	if err != nil {
		return fmt.Errorf("self-test enrollment failed: %w", err)
	}

	cred, err := credential.Parse(blob)
	if err != nil {
		return fmt.Errorf("issued credential does not parse: %w", err)
	}

	fmt.Printf("enrollment verified, phase %s\n", handshake.Phase())
	fmt.Printf("credential owner: %s\n", cred.Owner)
	fmt.Printf("credential: %s\n", string(blob))
	return nil
}

func runSessionStatus(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	store, err := openStore(cCtx, logger)
	if err != nil {
		return err
	}

	crypto := session.NewCrypto(store, logger)
	if err := crypto.Restore(context.Background()); err != nil {
		return err
	}

	id, establishedAt, messageCount, ok := crypto.Status()
	if !ok {
		fmt.Println("no persisted session")
		return nil
	}

	fmt.Printf("session id:     %s\n", id)
	fmt.Printf("established at: %s\n", establishedAt.Format(time.RFC3339))
	fmt.Printf("message count:  %d\n", messageCount)
	fmt.Printf("rotation due:   %t\n", crypto.ShouldRotate())
	return nil
}

func runSessionClear(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	store, err := openStore(cCtx, logger)
	if err != nil {
		return err
	}

	crypto := session.NewCrypto(store, logger)
	if err := crypto.Restore(context.Background()); err != nil {
		return err
	}
	crypto.Clear(context.Background())
	fmt.Println("session cleared")
	return nil
}

func runRecoverySplit(cCtx *cli.Context) error {
	blob, err := os.ReadFile(cCtx.String(flagCredentialFile.Name))
	if err != nil {
		return fmt.Errorf("failed to read credential: %w", err)
	}
	if _, err := credential.Parse(blob); err != nil {
		return err
	}

	kit, err := credential.NewRecoveryKit(blob, cCtx.Int(flagThreshold.Name), cCtx.Int(flagShares.Name))
	if err != nil {
		return err
	}

	kitFile := cCtx.String(flagKitFile.Name)
	if err := os.WriteFile(kitFile, kit.SealedCredential, 0o600); err != nil {
		return fmt.Errorf("failed to write recovery kit: %w", err)
	}

	for i, share := range kit.Shares {
		shareFile := fmt.Sprintf("%s.share-%d", kitFile, i+1)
		encoded := base64.StdEncoding.EncodeToString(share) + "\n"
		if err := os.WriteFile(shareFile, []byte(encoded), 0o600); err != nil {
			return fmt.Errorf("failed to write share %d: %w", i+1, err)
		}
		fmt.Printf("wrote share: %s\n", shareFile)
	}

	fmt.Printf("wrote sealed kit: %s (threshold %d of %d)\n", kitFile, kit.Threshold, len(kit.Shares))
	fmt.Println("distribute the shares to separate custodians and delete local copies")
	return nil
}

func runRecoveryCombine(cCtx *cli.Context) error {
	sealed, err := os.ReadFile(cCtx.String(flagKitFile.Name))
	if err != nil {
		return fmt.Errorf("failed to read recovery kit: %w", err)
	}

	shareFiles := cCtx.StringSlice(flagShareFiles.Name)
	if len(shareFiles) < 2 {
		return fmt.Errorf("at least two --share-file arguments are required")
	}

	shares := make([][]byte, 0, len(shareFiles))
	for _, shareFile := range shareFiles {
		raw, err := os.ReadFile(shareFile)
		if err != nil {
			return fmt.Errorf("failed to read share %s: %w", shareFile, err)
		}
		share, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return fmt.Errorf("share %s is not base64: %w", shareFile, err)
		}
		shares = append(shares, share)
	}

	blob, err := credential.Recover(sealed, shares)
	if err != nil {
		return err
	}
	if _, err := credential.Parse(blob); err != nil {
		return fmt.Errorf("recovered blob is not a credential: %w", err)
	}

	credentialFile := cCtx.String(flagCredentialFile.Name)
	if err := os.WriteFile(credentialFile, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write credential: %w", err)
	}
	fmt.Printf("recovered credential: %s\n", credentialFile)
	return nil
}

func runResolveBus(cCtx *cli.Context) error {
	if cCtx.Args().Len() != 1 {
		return fmt.Errorf("usage: resolve-bus <domain>")
	}

	resolver := transport.NewBusResolver(cCtx.String(flagDNSServer.Name))
	endpoints, err := resolver.Resolve(cCtx.Args().First())
	if err != nil {
		return err
	}

	for _, endpoint := range endpoints {
		fmt.Println(endpoint)
	}
	return nil
}
