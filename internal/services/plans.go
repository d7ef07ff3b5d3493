package services

import (
	"context"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/subscription"
)

// planResolver inspects a completed checkout and the subscription it
// created (possibly nil) and returns a plan identifier, or "" when it
// cannot tell. Resolvers run in order; first hit wins.
type planResolver func(sess *stripe.CheckoutSession, sub *stripe.Subscription) string

func (s *Service) planResolvers() []planResolver {
	return []planResolver{
		planFromSessionMetadata,
		planFromSubscriptionMetadata,
		s.planFromPrice,
	}
}

func planFromSessionMetadata(sess *stripe.CheckoutSession, _ *stripe.Subscription) string {
	if sess == nil {
		return ""
	}
	return sess.Metadata["plan"]
}

func planFromSubscriptionMetadata(_ *stripe.CheckoutSession, sub *stripe.Subscription) string {
	if sub == nil {
		return ""
	}
	return sub.Metadata["plan"]
}

func (s *Service) planFromPrice(_ *stripe.CheckoutSession, sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item.Price == nil {
			continue
		}
		if plan, ok := s.config.PricePlans[item.Price.ID]; ok {
			return plan
		}
	}
	return ""
}

func (s *Service) resolvePlan(sess *stripe.CheckoutSession, sub *stripe.Subscription) string {
	for _, resolve := range s.planResolvers() {
		if plan := resolve(sess, sub); plan != "" {
			return plan
		}
	}
	return ""
}

// fetchSubscription loads the full subscription object from Stripe,
// bounded by the configured timeout so a webhook never hangs.
func (s *Service) fetchSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	if s.config.StripeSecretKey == "" || subscriptionID == "" {
		return nil, nil
	}
	stripe.Key = s.config.StripeSecretKey
	fetchCtx, cancel := context.WithTimeout(ctx, s.config.StripeTimeout)
	defer cancel()
	params := &stripe.SubscriptionParams{}
	params.Context = fetchCtx
	return subscription.Get(subscriptionID, params)
}

func (s *Service) planSeconds(plan string) (int, bool) {
	seconds, ok := s.config.PlanSeconds[plan]
	return seconds, ok
}

func (s *Service) packSeconds(pack string) (int, bool) {
	seconds, ok := s.config.PackSeconds[pack]
	return seconds, ok
}
