package azure

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/services/batch/2020-09-01.12.0/batch"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/gammadia/batchmpi/cluster"
	"github.com/samber/lo"
)

// selectImage picks the verified image with the latest sku among those whose
// publisher and offer match case-insensitively and whose sku starts with the
// requested one.
func selectImage(images []batch.ImageInformation, ref cluster.ImageReference) (cluster.Image, error) {
	candidates := lo.Filter(images, func(image batch.ImageInformation, _ int) bool {
		if image.VerificationType != batch.Verified || image.ImageReference == nil {
			return false
		}
		candidate := image.ImageReference
		return strings.EqualFold(to.String(candidate.Publisher), ref.Publisher) &&
			strings.EqualFold(to.String(candidate.Offer), ref.Offer) &&
			strings.HasPrefix(to.String(candidate.Sku), ref.SKU)
	})
	if len(candidates) == 0 {
		return cluster.Image{}, fmt.Errorf("no verified image matches '%s': %w", ref, cluster.ErrNotFound)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return to.String(candidates[i].ImageReference.Sku) > to.String(candidates[j].ImageReference.Sku)
	})
	latest := candidates[0]

	version := ref.Version
	if version == "" {
		version = to.String(latest.ImageReference.Version)
	}

	return cluster.Image{
		NodeAgentSKU: to.String(latest.NodeAgentSKUID),
		Reference: cluster.ImageReference{
			Publisher: to.String(latest.ImageReference.Publisher),
			Offer:     to.String(latest.ImageReference.Offer),
			SKU:       to.String(latest.ImageReference.Sku),
			Version:   version,
		},
	}, nil
}
