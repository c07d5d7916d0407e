package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"qazna.org/tenancy/internal/auth"
	"qazna.org/tenancy/internal/authz"
	"qazna.org/tenancy/internal/authz/remote"
	"qazna.org/tenancy/internal/events"
	"qazna.org/tenancy/internal/lifecycle"
	"qazna.org/tenancy/internal/tenancy"
)

func main() {
	log.SetFlags(0)
	var (
		addr      = flag.String("addr", envOr("TENANCY_API_URL", "http://localhost:8080"), "tenancy API base URL")
		secret    = flag.String("secret", os.Getenv("TENANCY_AUTH_SECRET"), "token signing secret")
		principal = flag.String("principal", envOr("TENANCY_BOOTSTRAP_ADMIN", "smoke-admin"), "admin principal id")
		realm     = flag.String("realm", envOr("TENANCY_REALM", "master"), "principal realm")
		name      = flag.String("name", "cust001", "customer name to create")
		redisURL  = flag.String("redis", os.Getenv("TENANCY_REDIS_URL"), "redis URL; when set the customer's mutation events are checked too")
		prefix    = flag.String("topic-prefix", envOr("TENANCY_TOPIC_PREFIX", "tenancy"), "mutation event topic prefix")
	)
	flag.Parse()

	signer, err := auth.NewSigner(*secret)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}
	token, err := signer.GenerateToken(*principal, *realm, 5*time.Minute)
	if err != nil {
		log.Fatalf("token: %v", err)
	}
	anon, err := remote.New(*addr)
	if err != nil {
		log.Fatalf("client: %v", err)
	}
	admin, err := remote.New(*addr, remote.WithToken(token))
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var watcher *eventWatcher
	if *redisURL != "" {
		watcher, err = newEventWatcher(ctx, *redisURL, *prefix)
		if err != nil {
			log.Fatalf("event watcher: %v", err)
		}
		defer watcher.close()
	}

	if _, err := anon.CreateCustomer(ctx, *name, ""); !errors.Is(err, authz.ErrForbidden) {
		log.Fatalf("anonymous create: expected forbidden, got %v", err)
	}

	cust, err := admin.CreateCustomer(ctx, *name, "")
	if err != nil {
		log.Fatalf("create customer: %v", err)
	}
	deleted := false
	defer func() {
		if deleted {
			return
		}
		if _, err := admin.DeleteNode(context.Background(), cust.ID, tenancy.DeleteCascade); err != nil {
			log.Printf("cleanup %s: %v", cust.ID, err)
		}
	}()

	_, err = admin.CreateCustomer(ctx, *name, "")
	var le *lifecycle.Error
	if !errors.As(err, &le) || le.Code != 409 || le.Type != "Customer" || le.Field != "name" {
		log.Fatalf("duplicate create: expected {409 Customer name}, got %v", err)
	}

	org, err := admin.CreateOrganization(ctx, cust.ID, "smoke-org", "Region")
	if err != nil {
		log.Fatalf("create organization: %v", err)
	}
	inst, err := admin.CreateInstitution(ctx, org.ID, "smoke-institution", "")
	if err != nil {
		log.Fatalf("create institution: %v", err)
	}
	oc, err := admin.ResolveContext(ctx, inst.ID)
	if err != nil {
		log.Fatalf("resolve context: %v", err)
	}
	if oc.CustomerID != cust.ID || oc.OrganizationID != org.ID || oc.InstitutionID != inst.ID {
		log.Fatalf("unexpected context: %+v", oc)
	}

	if watcher != nil {
		if err := watcher.await(ctx, cust.ID, events.OpCreate); err != nil {
			log.Fatalf("create event: %v", err)
		}
		if _, err := admin.DeleteNode(ctx, cust.ID, tenancy.DeleteCascade); err != nil {
			log.Fatalf("delete customer: %v", err)
		}
		deleted = true
		if err := watcher.await(ctx, cust.ID, events.OpDelete); err != nil {
			log.Fatalf("delete event: %v", err)
		}
		if ops := watcher.ops(cust.ID); len(ops) != 2 {
			log.Fatalf("expected one create and one delete event, got %v", ops)
		}
	}

	fmt.Printf("tenancy smoke test passed: customer=%s organization=%s institution=%s\n", cust.ID, org.ID, inst.ID)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
