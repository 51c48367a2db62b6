package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/viper"

	"github.com/addspin/subca/audit"
	"github.com/addspin/subca/authz"
	"github.com/addspin/subca/ca"
	"github.com/addspin/subca/check"
	"github.com/addspin/subca/controllers"
	"github.com/addspin/subca/crypts"
	"github.com/addspin/subca/issuer"
	"github.com/addspin/subca/middleware"
	"github.com/addspin/subca/models"
	"github.com/addspin/subca/ocsp"
	"github.com/addspin/subca/revoke"
	"github.com/addspin/subca/routes"
	"github.com/addspin/subca/store"
	"github.com/addspin/subca/utils"
)

func main() {

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file: %s", err)
	}

	logFile, err := utils.SetupSlogLogger()
	if err != nil {
		log.Fatalf("Error setting up logger: %s", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	// The master passphrase comes from the environment, never the config
	// file. The salt is fixed per installation.
	passphrase := os.Getenv("SUBCA_MASTER_PASSWORD")
	if passphrase == "" {
		log.Fatal("SUBCA_MASTER_PASSWORD must be set")
	}
	salt := viper.GetString("security.kdfSalt")
	if salt == "" {
		log.Fatal("security.kdfSalt must be set in the config")
	}
	cipher, err := crypts.NewCipher(crypts.DeriveKey([]byte(passphrase), []byte(salt)))
	if err != nil {
		log.Fatalf("Error initializing cipher: %s", err)
	}

	database := viper.GetString("database.path")
	db, err := sqlx.Open("sqlite3", database+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.InitSchema(); err != nil {
		log.Fatal(err)
	}
	if err := seedAdminUser(st); err != nil {
		log.Fatalf("Error seeding admin user: %s", err)
	}

	dispatcher := audit.NewDispatcher(viper.GetString("audit.webhookUrl"))
	defer dispatcher.Close()

	crlInterval := time.Duration(viper.GetInt("crl.updateInterval")) * time.Hour
	ocspInterval := time.Duration(viper.GetInt("ocsp.updateInterval")) * time.Hour

	responder := ocsp.NewResponder(st, cipher, ocspInterval)
	if err := configureOCSPDelegate(responder, cipher); err != nil {
		log.Fatalf("Error configuring OCSP delegate: %s", err)
	}

	alloc := issuer.NewSerialAllocator()
	handler := &controllers.Handler{
		CA:        ca.NewService(st, cipher, dispatcher),
		Issuer:    issuer.New(st, cipher, alloc, dispatcher),
		Revoker:   revoke.NewManager(st, cipher, dispatcher, crlInterval),
		Responder: responder,
		Validator: check.NewValidator(st),
		Store:     st,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handler.Revoker.RunScheduled(ctx)
	go check.NewSweeper(st, time.Hour).Run(ctx)

	app := fiber.New()
	app.Use(middleware.AuthMiddleware())
	routes.Setup(app, handler)

	addr := viper.GetString("server.listen")
	if addr == "" {
		addr = ":3000"
	}
	log.Fatal(app.Listen(addr))
}

// seedAdminUser creates the first ADMIN account on an empty users table so a
// fresh installation has a way to log in.
func seedAdminUser(st *store.Store) error {
	ctx := context.Background()
	n, err := st.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	password := os.Getenv("SUBCA_ADMIN_PASSWORD")
	if password == "" {
		slog.Warn("users table is empty and SUBCA_ADMIN_PASSWORD is unset, no account seeded")
		return nil
	}
	salt, err := crypts.NewSalt()
	if err != nil {
		return err
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Username:     "admin",
		Role:         string(authz.RoleAdmin),
		PasswordHash: crypts.HashPassword([]byte(password), salt),
		Salt:         salt,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	return st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertUser(ctx, user)
	})
}

// configureOCSPDelegate installs the delegated responder credentials when
// both files are configured. The key file holds a plaintext PKCS#8 PEM; it
// is encrypted under the master key before the responder sees it.
func configureOCSPDelegate(responder *ocsp.Responder, cipher *crypts.Cipher) error {
	certFile := viper.GetString("ocsp.delegateCertFile")
	keyFile := viper.GetString("ocsp.delegateKeyFile")
	if certFile == "" || keyFile == "" {
		return nil
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return err
	}
	keyEnc, err := cipher.Encrypt(keyPEM)
	if err != nil {
		return err
	}
	responder.UseDelegate(certPEM, keyEnc)
	slog.Info("OCSP responses will be signed by the delegated responder", "cert", certFile)
	return nil
}
