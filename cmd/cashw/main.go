package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/wallet"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var cashw *wallet.Wallet

func walletConfig() wallet.Config {
	path := setWalletPath()
	config := wallet.Config{WalletPath: path, CurrentMintURL: "http://127.0.0.1:3338"}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}
	if len(envPath) > 0 {
		if err := godotenv.Load(envPath); err == nil {
			config.CurrentMintURL = getMintURL()
		}
	}

	return config
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(homedir, ".cashmill", "wallet")
}

func getMintURL() string {
	if mintURL := os.Getenv("MINT_URL"); len(mintURL) > 0 {
		return mintURL
	}

	mintHost := os.Getenv("MINT_HOST")
	mintPort := os.Getenv("MINT_PORT")
	if len(mintHost) == 0 || len(mintPort) == 0 {
		return "http://127.0.0.1:3338"
	}
	u := &url.URL{Scheme: "http", Host: mintHost + ":" + mintPort}
	return u.String()
}

func setupWallet(ctx *cli.Context) error {
	var err error
	cashw, err = wallet.LoadWallet(walletConfig())
	if err != nil {
		printErr(err)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "cashw",
		Usage: "ecash cli wallet",
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			quoteStateCmd,
			reclaimCmd,
			mnemonicCmd,
			restoreCmd,
			lockKeyCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "Wallet balance",
	Before: setupWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	fmt.Printf("%v sats\n", cashw.GetBalance())
	if pending := cashw.PendingBalance(); pending > 0 {
		fmt.Printf("%v sats pending\n", pending)
	}
	return nil
}

const quoteFlag = "quote"

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "Request a mint quote, or redeem a paid one with --quote",
	ArgsUsage: "[amount]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  quoteFlag,
			Usage: "Redeem ecash for a paid mint quote",
		},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	if ctx.IsSet(quoteFlag) {
		amount, err := cashw.MintTokens(ctx.String(quoteFlag))
		if err != nil {
			printErr(err)
		}
		fmt.Printf("%v sats minted\n", amount)
		return nil
	}

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	mintResponse, err := cashw.RequestMint(amount)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", mintResponse.Request)
	fmt.Printf("after paying the invoice, redeem the ecash with:\n")
	fmt.Printf("cashw mint --quote %v\n", mintResponse.Quote)
	return nil
}

const (
	lockFlag = "lock"
	htlcFlag = "htlc"
)

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "Send ecash",
	ArgsUsage: "[amount]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  lockFlag,
			Usage: "Lock the ecash to a public key",
		},
		&cli.StringFlag{
			Name:  htlcFlag,
			Usage: "Lock the ecash to a sha256 hash",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	sendAmount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(err)
	}

	var token cashu.Token
	switch {
	case ctx.IsSet(lockFlag):
		keyBytes, err := hex.DecodeString(ctx.String(lockFlag))
		if err != nil {
			printErr(errors.New("invalid public key"))
		}
		pubkey, err := secp256k1.ParsePubKey(keyBytes)
		if err != nil {
			printErr(errors.New("invalid public key"))
		}
		token, err = cashw.SendToPubkey(sendAmount, pubkey)
		if err != nil {
			printErr(err)
		}
	case ctx.IsSet(htlcFlag):
		token, err = cashw.SendHTLC(sendAmount, ctx.String(htlcFlag))
		if err != nil {
			printErr(err)
		}
	default:
		token, err = cashw.Send(sendAmount)
		if err != nil {
			printErr(err)
		}
	}

	tokenString, err := token.Serialize()
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v\n", tokenString)
	return nil
}

const preimageFlag = "preimage"

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "Receive ecash",
	ArgsUsage: "[token]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  preimageFlag,
			Usage: "Preimage to redeem an HTLC locked token",
		},
	},
	Action: receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	token, err := cashu.DecodeToken(args.First())
	if err != nil {
		printErr(err)
	}

	var amount uint64
	if ctx.IsSet(preimageFlag) {
		amount, err = cashw.ReceiveHTLC(token, ctx.String(preimageFlag))
	} else {
		amount, err = cashw.Receive(token, true)
	}
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v sats received\n", amount)
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "Pay a lightning invoice",
	ArgsUsage: "[invoice]",
	Before:    setupWallet,
	Action:    pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}

	meltResponse, err := cashw.Melt(args.First())
	if err != nil {
		printErr(err)
	}

	switch meltResponse.State {
	case nut05.Paid:
		fmt.Printf("invoice paid, preimage: %v\n", meltResponse.Preimage)
	case nut05.Pending, nut05.Unknown:
		fmt.Printf("payment is in flight, check it later with:\n")
		fmt.Printf("cashw quote %v\n", meltResponse.Quote)
	default:
		fmt.Println("payment failed")
	}
	return nil
}

var quoteStateCmd = &cli.Command{
	Name:      "quote",
	Usage:     "Check the state of a melt quote",
	ArgsUsage: "[quote id]",
	Before:    setupWallet,
	Action:    quoteState,
}

func quoteState(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a quote id"))
	}

	quoteResponse, err := cashw.CheckMeltQuote(args.First())
	if err != nil {
		printErr(err)
	}

	fmt.Printf("state: %v\n", quoteResponse.State)
	if quoteResponse.Preimage != "" {
		fmt.Printf("preimage: %v\n", quoteResponse.Preimage)
	}
	return nil
}

var reclaimCmd = &cli.Command{
	Name:   "reclaim",
	Usage:  "Reclaim pending proofs that were never redeemed",
	Before: setupWallet,
	Action: reclaim,
}

func reclaim(ctx *cli.Context) error {
	amount, err := cashw.ReclaimPending()
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v sats reclaimed\n", amount)
	return nil
}

var mnemonicCmd = &cli.Command{
	Name:   "mnemonic",
	Usage:  "Print the wallet's recovery mnemonic",
	Before: setupWallet,
	Action: mnemonic,
}

func mnemonic(ctx *cli.Context) error {
	fmt.Println(cashw.Mnemonic())
	return nil
}

var restoreCmd = &cli.Command{
	Name:      "restore",
	Usage:     "Restore a wallet from its mnemonic",
	ArgsUsage: "[mnemonic]",
	Action:    restore,
}

func restore(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("mnemonic not provided"))
	}

	amount, err := wallet.Restore(setWalletPath(), args.First(), getMintURL())
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v sats restored\n", amount)
	return nil
}

var lockKeyCmd = &cli.Command{
	Name:   "lockkey",
	Usage:  "Print the public key to receive locked ecash",
	Before: setupWallet,
	Action: lockKey,
}

func lockKey(ctx *cli.Context) error {
	pubkey, err := cashw.LockPubkey()
	if err != nil {
		printErr(err)
	}
	fmt.Println(hex.EncodeToString(pubkey.SerializeCompressed()))
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(1)
}
