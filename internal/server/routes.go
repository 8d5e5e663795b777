package server

import (
	"github.com/SpatiumPortae/datatransfer/internal/conn"
	"github.com/SpatiumPortae/datatransfer/internal/logger"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
)

func (s *Server) routes() {
	s.router.Use(logger.Middleware(s.logger))
	s.router.Handle(transfer.Path, s.authorize(conn.Middleware()(s.handleTransfer())))
	s.router.HandleFunc("/ping", s.ping())
	s.router.HandleFunc("/version", s.handleVersion())
}
