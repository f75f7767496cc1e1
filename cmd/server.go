// Copyright 2022 The indisvc Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/indisvc/apis"
	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/core"
	"github.com/alwitt/indisvc/dataplane"
	"github.com/alwitt/indisvc/indication"
	"github.com/alwitt/indisvc/query"
	"github.com/alwitt/indisvc/repository"
	"github.com/alwitt/indisvc/storage"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineTransports build the provider transport and handler delivery selected by config.
// The returned cleanup releases the NATS connection, if one was opened.
func defineTransports(
	config common.SystemConfig, logTags log.Fields,
) (dataplane.ProviderTransport, dataplane.IndicationDelivery, func(), error) {
	switch config.Indication.Transport {
	case "nats":
		if config.NATS == nil {
			return nil, nil, nil, fmt.Errorf("nats transport selected without NATS config")
		}
		natsClient, err := core.GetNatsClient(core.ConnectParamsFromConfig(*config.NATS))
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to connect to NATS")
			return nil, nil, nil, err
		}
		cleanup := func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctx)
		}
		transport, err := dataplane.GetNATSProviderTransport(
			&natsClient, config.Indication.SubjectPrefix,
		)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		delivery, err := dataplane.GetNATSIndicationDelivery(
			&natsClient, config.Indication.SubjectPrefix,
		)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		return transport, delivery, cleanup, nil
	default:
		log.WithFields(logTags).Warn("Using in-process loopback transport")
		delivery := dataplane.NewLoopbackIndicationDelivery(
			func(ctx context.Context, req common.HandleIndicationRequest) error {
				log.WithFields(common.LogTagsFor(logTags, req.Context)).Infof(
					"Indication %s for %s", req.Indication.ClassName, req.Handler.Path(),
				)
				return nil
			},
		)
		return dataplane.NewLoopbackProviderTransport(), delivery, func() {}, nil
	}
}

// RunIndicationServer run the indication service and its REST API until the runtime
// context ends
func RunIndicationServer(
	config common.SystemConfig, instance string, runtimeContext context.Context,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "indication-server",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Repository

	store, err := storage.CreateBadgerBackedStorage(config.Storage.DataDir, config.Storage.InMemory)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open storage")
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close storage")
		}
	}()

	repo, err := repository.DefineRepository(
		store, config.Indication.ProviderRequestTimeoutDuration(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define repository")
		return err
	}
	if err := repo.InstallDefaultClasses(runtimeContext, config.Namespaces); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install indication classes")
		return err
	}

	compiler, err := query.DefineCompiler(config.Indication.QueryCacheSize)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define query compiler")
		return err
	}

	transport, delivery, closeTransport, err := defineTransports(config, logTags)
	if err != nil {
		return err
	}
	defer closeTransport()

	// -------------------------------------------------------------------
	// Indication service

	// The service outlives the runtime context so it can be disabled cleanly
	wg := sync.WaitGroup{}
	defer wg.Wait()
	serviceCtxt, serviceCancel := context.WithCancel(context.Background())
	defer serviceCancel()

	svc, err := indication.DefineIndicationService(indication.ServiceParams{
		Config:     config.Indication,
		Repository: repo,
		Compiler:   compiler,
		Transport:  transport,
		Delivery:   delivery,
	}, serviceCtxt, &wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define indication service")
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := svc.Stop(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Indication service stop incomplete")
		}
	}()

	if rc := svc.Enable(runtimeContext, uint32(config.Indication.EnableTimeout)); rc != indication.ReturnCompletedNoError {
		log.WithFields(logTags).Warnf(
			"Indication service enable returned %d. Service state %s",
			rc, svc.GetServiceInstance().EnabledState,
		)
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestIndicationHandler(svc, &config.APIServer.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.APIServer.Endpoints.PathPrefix, nil)
	httpHandler.RegisterRoutes(mainRouter)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverCfg := config.APIServer.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Release the active subscriptions
	if rc := svc.Disable(
		context.Background(), uint32(config.Indication.DisableTimeout),
	); rc != indication.ReturnCompletedNoError {
		log.WithFields(logTags).Warnf("Indication service disable returned %d", rc)
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
