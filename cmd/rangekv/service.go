package main

import (
	"fmt"
	"path"
	"sort"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-rangekv/pkg/rangekv"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Cluster ClusterCfg         `json:"cluster"`
}

type ClusterCfg struct {
	Servers       map[string]ServerData `json:"servers"`
	DataDirectory string                `json:"dataDirectory"`

	// InitializeMeta marks this configuration as the one-shot cluster
	// initializer; exactly one node of a new cluster runs with it.
	InitializeMeta bool `json:"initializeMeta,omitempty"`
}

type ServerData struct {
	PeerAddress string `json:"peerAddress"`
	APIAddress  string `json:"apiAddress"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	store     *rangekv.PebbleStore
	transport *rangekv.HTTPTransport
	server    *rangekv.Server
	apiServer *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("cluster", &cfg.Cluster)
}

func (cfg *ClusterCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("servers", func() {
		for _, server := range cfg.Servers {
			v.CheckStringNotEmpty("peerAddress", server.PeerAddress)
			v.CheckStringNotEmpty("apiAddress", server.APIAddress)
		}
	})

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the server identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	instanceId := s.Program.ArgumentValue("id")

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	serverData := s.Cfg.Cluster.Servers[instanceId]

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               serverData.APIAddress,
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	instanceId := s.Program.ArgumentValue("id")

	serverData, found := s.Cfg.Cluster.Servers[instanceId]
	if !found {
		return fmt.Errorf("unknown server id %q", instanceId)
	}

	dataDirectory := path.Join(s.Cfg.Cluster.DataDirectory, instanceId)

	store, err := rangekv.OpenPebbleStore(dataDirectory)
	if err != nil {
		return fmt.Errorf("cannot open store: %w", err)
	}
	s.store = store

	if err := s.initTransport(serverData); err != nil {
		return err
	}

	if err := s.initServer(instanceId, serverData); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) peerAddresses() []rangekv.PeerAddress {
	addresses := make([]rangekv.PeerAddress, 0,
		len(s.Cfg.Cluster.Servers))

	for _, server := range s.Cfg.Cluster.Servers {
		addresses = append(addresses,
			rangekv.PeerAddress(server.PeerAddress))
	}

	sort.Slice(addresses, func(i, j int) bool {
		return addresses[i] < addresses[j]
	})

	return addresses
}

func (s *Service) initTransport(serverData ServerData) error {
	logger := s.Log.Child("transport", nil)

	transport, err := rangekv.NewHTTPTransport(rangekv.HTTPTransportCfg{
		Address: rangekv.PeerAddress(serverData.PeerAddress),
		Peers:   s.peerAddresses(),

		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("cannot create transport: %w", err)
	}

	s.transport = transport

	return nil
}

func (s *Service) initServer(instanceId string, serverData ServerData) error {
	logger := s.Log.Child("server", log.Data{
		"instance": instanceId,
	})

	server, err := rangekv.NewServer(rangekv.ServerCfg{
		Address: rangekv.PeerAddress(serverData.PeerAddress),
		Peers:   s.peerAddresses(),

		Storage:   s.store,
		Transport: s.transport,
		Logger:    logger,

		InitializeMeta: s.Cfg.Cluster.InitializeMeta,
	})
	if err != nil {
		return fmt.Errorf("cannot create server: %w", err)
	}

	s.server = server

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.server.Start(ss.ErrorChan()); err != nil {
		return fmt.Errorf("cannot start server: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.server.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
	if err := s.store.Close(); err != nil {
		s.Log.Error("cannot close store: %v", err)
	}
}
