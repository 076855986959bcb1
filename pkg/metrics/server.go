package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func RunServer(address string) {
	log.Info().Msgf("metrics on '%s/metrics'", address)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	err := http.ListenAndServe(address, mux)
	if err != nil {
		log.Fatal().Msg(err.Error())
	}
}
