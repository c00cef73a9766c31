// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package server implements the device daemon. It owns the device storage
// and the card and serves one interactive session at a time over a unix
// socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/carabiner-dev/sdprotect/internal/common"
	"github.com/carabiner-dev/sdprotect/internal/device"
	"github.com/carabiner-dev/sdprotect/internal/medium"
	"github.com/carabiner-dev/sdprotect/internal/registry"
	isecrets "github.com/carabiner-dev/sdprotect/internal/secrets"
	"github.com/carabiner-dev/sdprotect/internal/store"
	"github.com/carabiner-dev/sdprotect/internal/unlock"
	"github.com/carabiner-dev/sdprotect/options"
	"github.com/carabiner-dev/sdprotect/secrets"
)

const (
	keyringPrefix = "sdprotect"
	lockFileName  = "sdprotect.lock"
	storageDir    = "storage"
)

var _ common.DeviceServer = &Server{}

// Server implements the device gRPC service
type Server struct {
	options *options.Device

	storage  secrets.Storage
	medium   medium.Medium
	device   *device.Device
	registry *registry.Registry
	keystore *unlock.Keystore
	store    *store.Store
	rand     io.Reader

	// session is held by the request that currently owns the card
	session sync.Mutex

	lastActivity time.Time
	activityMu   sync.Mutex

	inactivityTimer *time.Timer
	shutdownChan    chan struct{}
	shutdownOnce    sync.Once
	grpcServer      *grpc.Server
	metricsServer   *http.Server
	lockFile        *os.File
}

// Option configures a Server.
type Option func(*Server)

// WithStorage replaces the device storage selected in the options.
func WithStorage(st secrets.Storage) Option {
	return func(s *Server) {
		s.storage = st
	}
}

// WithMedium replaces the card selected in the options.
func WithMedium(m medium.Medium) Option {
	return func(s *Server) {
		s.medium = m
	}
}

// WithRand sets the entropy source for new salts.
func WithRand(r io.Reader) Option {
	return func(s *Server) {
		s.rand = r
	}
}

// NewServer creates a new device server with the supplied options
func NewServer(ctx context.Context, opts *options.Device, fns ...Option) (*Server, error) {
	s := &Server{
		options:      opts,
		lastActivity: time.Now(),
		shutdownChan: make(chan struct{}),
	}
	for _, fn := range fns {
		fn(s)
	}

	if s.storage == nil {
		st, err := newStorage(opts)
		if err != nil {
			return nil, fmt.Errorf("initializing device storage: %w", err)
		}
		s.storage = st
	}
	if s.medium == nil {
		s.medium = newMedium(opts)
	}

	s.device = device.New(s.storage, device.DefaultNamespace)
	id, err := s.device.Identity(ctx)
	if err != nil {
		return nil, err
	}

	s.registry = registry.New(s.storage, registry.Config{
		Namespace: opts.RegistryNamespace,
		Key:       opts.RegistryKey,
	})
	s.keystore = unlock.NewKeystore(s.storage, unlock.Options{
		Namespace:   unlock.DefaultNamespace,
		Iterations:  opts.KDFIterations,
		MaxAttempts: opts.PinMaxAttempts,
	})
	s.store, err = store.New(s.medium, store.Config{
		Root:     opts.SaltRoot,
		DeviceID: id,
	})
	if err != nil {
		return nil, err
	}

	clog.FromContext(ctx).Debugf("device %s ready, salt directory %s", id, s.store.DeviceDir())
	return s, nil
}

func newStorage(opts *options.Device) (secrets.Storage, error) {
	switch opts.StorageBackend {
	case options.StorageMemory:
		return isecrets.NewMemoryStorage(), nil
	case options.StorageKeyring:
		st, err := isecrets.NewKeyringStorage(keyringPrefix)
		if err != nil {
			return nil, err
		}
		return st, nil
	case options.StorageFile:
		return isecrets.NewFileStorage(afero.NewOsFs(), filepath.Join(opts.StateDir, storageDir))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.StorageBackend)
	}
}

func newMedium(opts *options.Device) medium.Medium {
	if opts.Medium == options.MediumMemory {
		m := medium.NewMemory(nil)
		m.SetHotSwappable(opts.HotSwappable)
		return m
	}
	return medium.NewDir(opts.CardDir, opts.HotSwappable)
}

// Run starts the server and blocks until it shuts down, either when ctx is
// done or when the inactivity timeout fires.
func (s *Server) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)

	if err := s.lockState(); err != nil {
		return err
	}

	// Remove existing socket file if it already exists
	if err := os.RemoveAll(s.options.SocketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "unix", s.options.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	defer listener.Close() //nolint:errcheck

	// Set socket permissions to be restrictive (owner only)
	if err := os.Chmod(s.options.SocketPath, 0o600); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	log.Infof("device listening on %s", s.options.SocketPath)

	s.grpcServer = grpc.NewServer(
		grpc.Creds(NewPeerCredentials()),
	)
	common.RegisterDeviceServer(s.grpcServer, s)

	if s.options.MetricsAddr != "" {
		s.serveMetrics(ctx)
	}

	if s.options.InactivityTimeout > 0 {
		s.activityMu.Lock()
		s.inactivityTimer = time.AfterFunc(s.options.InactivityTimeout, func() {
			log.Infof("inactivity timeout reached, shutting down")
			s.Stop()
		})
		s.activityMu.Unlock()
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.shutdownChan:
		}
	}()

	if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		if s.metricsServer != nil {
			s.metricsServer.Close() //nolint:errcheck,gosec
		}
		if s.lockFile != nil {
			unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN) //nolint:errcheck,gosec
			s.lockFile.Close()                             //nolint:errcheck,gosec
		}
		close(s.shutdownChan)
	})
}

// lockState takes an exclusive lock on the state directory so two daemons
// never share the device storage.
func (s *Server) lockState() error {
	if s.options.StateDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.options.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.options.StateDir, lockFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck,gosec
		return fmt.Errorf("state directory %s is locked by another daemon: %w", s.options.StateDir, err)
	}
	s.lockFile = f
	return nil
}

func (s *Server) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metricsServer = &http.Server{
		Addr:              s.options.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			clog.FromContext(ctx).Warnf("metrics endpoint: %v", err)
		}
	}()
}

// updateActivity updates the last activity timestamp of the server.
func (s *Server) updateActivity() {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()

	s.lastActivity = time.Now()

	// Reset the inactivity timer
	if s.inactivityTimer != nil {
		s.inactivityTimer.Reset(s.options.InactivityTimeout)
	}
}

// Ping implements the Ping RPC
func (s *Server) Ping(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	s.updateActivity()
	return wrapperspb.Bool(true), nil
}

// Status implements the Status RPC. It fails while a session owns the card.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.updateActivity()
	if err := s.checkPeer(ctx); err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	if !s.session.TryLock() {
		return nil, status.Error(codes.Unavailable, "device busy")
	}
	defer s.session.Unlock()

	st, err := s.status(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st.ToStruct()
}

func (s *Server) status(ctx context.Context) (*common.Status, error) {
	id, err := s.device.Identity(ctx)
	if err != nil {
		return nil, err
	}
	initialized, err := s.device.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	enabled, err := s.registry.Enabled(ctx)
	if err != nil {
		return nil, err
	}
	hasPin, err := s.keystore.HasPin(ctx)
	if err != nil && !errors.Is(err, unlock.ErrNotProvisioned) {
		return nil, err
	}

	present := s.medium.PowerOn(ctx) == nil
	if present {
		if err := s.medium.PowerOff(ctx); err != nil {
			clog.FromContext(ctx).Warnf("powering off card after probe: %v", err)
		}
	}

	return &common.Status{
		DeviceID:     id,
		Initialized:  initialized,
		Enabled:      enabled,
		HasPin:       hasPin,
		CardPresent:  present,
		HotSwappable: s.medium.HotSwappable(),
	}, nil
}

// checkPeer logs the connected client and, when configured, rejects
// clients running as a different user than the daemon.
func (s *Server) checkPeer(ctx context.Context) error {
	log := clog.FromContext(ctx)

	info, err := peerFromContext(ctx)
	if err != nil || !info.Known {
		if s.options.RestrictPeerUID {
			return fmt.Errorf("unable to read client credentials")
		}
		return nil
	}

	if path, hash, err := common.ClientBinary(info.PID); err == nil {
		log.Debugf("client pid %d uid %d binary %s sha256:%s", info.PID, info.UID, path, hash)
	} else {
		log.Debugf("client pid %d uid %d, binary unknown: %v", info.PID, info.UID, err)
	}

	if s.options.RestrictPeerUID && info.UID != 0 && info.UID != uint32(os.Getuid()) { //nolint:gosec
		return fmt.Errorf("client uid %d not allowed", info.UID)
	}
	return nil
}
