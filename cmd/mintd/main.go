package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cashmill/cashmill/cashu/nuts/nut06"
	"github.com/cashmill/cashmill/mint"
	"github.com/cashmill/cashmill/mint/lightning"
	"github.com/joho/godotenv"
)

func main() {
	// the .env file is optional, env vars may come from the environment
	godotenv.Load()

	mintConfig, err := configFromEnv()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	m, err := mint.LoadMint(mintConfig)
	if err != nil {
		log.Fatalf("error loading mint: %v", err)
	}

	mintServer, err := mint.SetupMintServer(m, mintConfig.Port)
	if err != nil {
		log.Fatalf("error setting up mint server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		mintServer.Shutdown()
	}()

	if err := mintServer.Start(); err != nil {
		log.Fatalf("error running mint server: %v", err)
	}
}

func configFromEnv() (mint.Config, error) {
	var derivationPathIdx uint32
	if idx := os.Getenv("MINT_DERIVATION_PATH_IDX"); idx != "" {
		parsed, err := strconv.ParseUint(idx, 10, 32)
		if err != nil {
			return mint.Config{}, fmt.Errorf("invalid MINT_DERIVATION_PATH_IDX: %v", err)
		}
		derivationPathIdx = uint32(parsed)
	}

	var inputFeePpk uint
	if fee := os.Getenv("MINT_INPUT_FEE_PPK"); fee != "" {
		parsed, err := strconv.ParseUint(fee, 10, 64)
		if err != nil {
			return mint.Config{}, fmt.Errorf("invalid MINT_INPUT_FEE_PPK: %v", err)
		}
		inputFeePpk = uint(parsed)
	}

	limits, err := limitsFromEnv()
	if err != nil {
		return mint.Config{}, err
	}

	lightningClient, err := lightningFromEnv()
	if err != nil {
		return mint.Config{}, err
	}

	logLevel := mint.Info
	if os.Getenv("MINT_LOG_LEVEL") == "debug" {
		logLevel = mint.Debug
	}

	mintInfo := mint.MintInfo{
		Name:            os.Getenv("MINT_NAME"),
		Description:     os.Getenv("MINT_DESCRIPTION"),
		LongDescription: os.Getenv("MINT_DESCRIPTION_LONG"),
		Motd:            os.Getenv("MINT_MOTD"),
		IconURL:         os.Getenv("MINT_ICON_URL"),
	}
	if contactEmail := os.Getenv("MINT_CONTACT_EMAIL"); contactEmail != "" {
		mintInfo.Contact = []nut06.ContactInfo{{Method: "email", Info: contactEmail}}
	}

	return mint.Config{
		DerivationPathIdx: derivationPathIdx,
		Port:              os.Getenv("MINT_PORT"),
		MintPath:          os.Getenv("MINT_PATH"),
		InputFeePpk:       inputFeePpk,
		MintInfo:          mintInfo,
		Limits:            limits,
		LightningClient:   lightningClient,
		LogLevel:          logLevel,
	}, nil
}

func limitsFromEnv() (mint.MintLimits, error) {
	var limits mint.MintLimits

	parse := func(name string, dst *uint64) error {
		value := os.Getenv(name)
		if value == "" {
			return nil
		}
		parsed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %v", name, err)
		}
		*dst = parsed
		return nil
	}

	if err := parse("MINT_MAX_BALANCE", &limits.MaxBalance); err != nil {
		return limits, err
	}
	if err := parse("MINT_MAX_MINT_AMOUNT", &limits.MintingSettings.MaxAmount); err != nil {
		return limits, err
	}
	if err := parse("MINT_MAX_MELT_AMOUNT", &limits.MeltingSettings.MaxAmount); err != nil {
		return limits, err
	}
	return limits, nil
}

func lightningFromEnv() (lightning.Client, error) {
	backend := os.Getenv("LIGHTNING_BACKEND")
	switch backend {
	case "Lnd", "":
		lndConfig := lightning.LndConfig{
			GRPCHost:     os.Getenv("LND_GRPC_HOST"),
			CertPath:     os.Getenv("LND_CERT_PATH"),
			MacaroonPath: os.Getenv("LND_MACAROON_PATH"),
		}
		client, err := lightning.SetupLndClient(lndConfig)
		if err != nil {
			return nil, fmt.Errorf("error setting up LND client: %v", err)
		}
		return client, nil
	case "FakeWallet":
		// regtest and development only
		return lightning.NewFakeBackend(), nil
	}
	return nil, fmt.Errorf("invalid LIGHTNING_BACKEND: %s", backend)
}
