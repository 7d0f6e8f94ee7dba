package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AdguardTeam/dnscrypt-wrapper/internal/certmgr"
	"github.com/AdguardTeam/dnscrypt-wrapper/internal/dnscrypt"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/ameshkov/dnsstamps"
)

// loadState returns the state persisted in store or, if there is none, a new
// one with a random provider keypair.  The provider name of conf takes
// precedence over the persisted one.
func loadState(
	ctx context.Context,
	l *slog.Logger,
	conf *configuration,
	store certmgr.Store,
) (st *certmgr.State, err error) {
	name := conf.providerName()

	st, err = store.Load()
	switch {
	case err == nil:
		l.InfoContext(ctx, "loaded provider keys", "path", conf.KeysPath)
	case errors.Is(err, os.ErrNotExist):
		st, err = certmgr.GenerateState(name, dnscrypt.CryptoConstruction(conf.EsVersion))
		if err != nil {
			return nil, fmt.Errorf("generating keys: %w", err)
		}

		l.InfoContext(ctx, "generated provider keys", "path", conf.KeysPath)
	default:
		return nil, fmt.Errorf("loading keys: %w", err)
	}

	if st.ProviderName != name {
		l.WarnContext(ctx, "overriding provider name", "old", st.ProviderName, "new", name)

		st.ProviderName = name
	}

	return st, nil
}

// loadCertificates returns the certificate manager with the state from the
// keys file described by conf.  The keys file is created if needed.
func loadCertificates(
	ctx context.Context,
	l *slog.Logger,
	conf *configuration,
	now time.Time,
) (certs *certmgr.Manager, st *certmgr.State, err error) {
	store := certmgr.NewFileStore(conf.KeysPath)

	st, err = loadState(ctx, l, conf, store)
	if err != nil {
		// Don't wrap the error, since it's informative enough as is.
		return nil, nil, err
	}

	c := &certmgr.Config{
		Logger:           l.With(slogutil.KeyPrefix, "certmgr"),
		Store:            store,
		State:            st,
		EsVersion:        dnscrypt.CryptoConstruction(conf.EsVersion),
		CertificateTTL:   time.Duration(conf.CertificateTTL),
		RotationInterval: time.Duration(conf.RotationInterval),
		GracePeriod:      time.Duration(conf.GracePeriod),
		SecretsCacheSize: conf.SecretsCacheSize,
	}

	err = c.Validate()
	if err != nil {
		return nil, nil, fmt.Errorf("validating certificates config: %w", err)
	}

	certs, err = certmgr.New(ctx, c, now)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificates: %w", err)
	}

	return certs, st, nil
}

// newStamp returns the DNS stamp of the resolver described by st and listening
// on the address from conf.
func newStamp(conf *configuration, st *certmgr.State) (stamp *dnsstamps.ServerStamp, err error) {
	pub, err := st.ProviderPublicKey()
	if err != nil {
		return nil, fmt.Errorf("provider public key: %w", err)
	}

	addr, err := conf.listenAddrPort()
	if err != nil {
		// Don't wrap the error, since it's informative enough as is.
		return nil, err
	}

	return &dnsstamps.ServerStamp{
		ServerAddrStr: addr.String(),
		ServerPk:      pub,
		ProviderName:  st.ProviderName,
		Proto:         dnsstamps.StampProtoTypeDNSCrypt,
	}, nil
}

// logStamp logs the DNS stamp and the provider public key of the resolver.
func logStamp(
	ctx context.Context,
	l *slog.Logger,
	conf *configuration,
	st *certmgr.State,
) (err error) {
	stamp, err := newStamp(conf, st)
	if err != nil {
		// Don't wrap the error, since it's informative enough as is.
		return err
	}

	l.InfoContext(
		ctx,
		"resolver ready",
		"provider_name", st.ProviderName,
		"provider_public_key", st.PublicKey,
		"stamp", stamp.String(),
	)

	return nil
}
