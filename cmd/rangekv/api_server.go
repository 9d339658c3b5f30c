package main

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/galdor/go-rangekv/pkg/rangekv"
	"github.com/galdor/go-service/pkg/shttp"
)

const clientTimeout = 10 * time.Second

type APIServer struct {
	Service *Service
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/store", "GET", api.hStoreGET)
	api.Route("/store/:key", "GET", api.hStoreKeyGET)
	api.Route("/store/:key", "PUT", api.hStoreKeyPUT)
	api.Route("/store/:key", "DELETE", api.hStoreKeyDELETE)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

// submit pushes a client message through the core and returns the decoded
// reply, which is either the matching response or a redirect.
func (api *APIServer) submit(msg rangekv.Message) (rangekv.Message, error) {
	data, err := rangekv.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("cannot encode message: %w", err)
	}

	resData, err := api.Service.transport.SubmitClient(data, clientTimeout)
	if err != nil {
		return nil, err
	}

	res, err := rangekv.DecodeMessage(resData)
	if err != nil {
		return nil, fmt.Errorf("cannot decode response: %w", err)
	}

	return res, nil
}

func (api *APIServer) hStoreGET(h *shttp.Handler) {
	// TODO range scans
	h.ReplyNotImplemented("key listing")
}

func (api *APIServer) hStoreKeyGET(h *shttp.Handler) {
	key := h.PathVariable("key")

	res, err := api.submit(&rangekv.ClientGet{Key: key})
	if err != nil {
		h.ReplyInternalError(500, "%v", err)
		return
	}

	api.reply(h, res)
}

func (api *APIServer) hStoreKeyPUT(h *shttp.Handler) {
	key := h.PathVariable("key")

	value, err := ioutil.ReadAll(h.Request.Body)
	if err != nil {
		h.ReplyInternalError(500, "cannot read request body: %v", err)
		return
	}

	res, err := api.submit(&rangekv.ClientSet{Key: key, Value: value})
	if err != nil {
		h.ReplyInternalError(500, "%v", err)
		return
	}

	api.reply(h, res)
}

func (api *APIServer) hStoreKeyDELETE(h *shttp.Handler) {
	key := h.PathVariable("key")

	res, err := api.submit(&rangekv.ClientSet{Key: key, Tombstone: true})
	if err != nil {
		h.ReplyInternalError(500, "%v", err)
		return
	}

	api.reply(h, res)
}

func (api *APIServer) reply(h *shttp.Handler, res rangekv.Message) {
	switch res2 := res.(type) {
	case *rangekv.Redirect:
		// The client is talking to a replica which does not lead the
		// owning range; point it at the leader if one is known.
		h.ReplyJSON(421, res2)

	case *rangekv.GetResponse:
		status := 200
		if !res2.Success {
			status = 404
		}
		h.ReplyJSON(status, res2)

	case *rangekv.SetResponse:
		status := 200
		if !res2.Success {
			status = 500
		}
		h.ReplyJSON(status, res2)

	default:
		h.ReplyInternalError(500, "unexpected response %v", res)
	}
}
