package marketplace

import "errors"

var (
	ErrNameEmpty            = errors.New("marketplace: name must not be empty")
	ErrNameTooLong          = errors.New("marketplace: given name is too long")
	ErrMarketplaceExists    = errors.New("marketplace: registry already exists")
	ErrMarketplaceNotFound  = errors.New("marketplace: registry not found")
	ErrInvalidCollection    = errors.New("marketplace: collection is not valid")
	ErrUnverifiedCollection = errors.New("marketplace: collection is not verified")
	ErrMetadataNotFound     = errors.New("marketplace: asset metadata not found")
	ErrNotUniqueAsset       = errors.New("marketplace: asset is not a unique token")
	ErrAssetNotHeld         = errors.New("marketplace: maker does not hold exactly one unit")
	ErrListingExists        = errors.New("marketplace: listing already exists")
	ErrListingNotFound      = errors.New("marketplace: listing not found")
	ErrVaultNotEmpty        = errors.New("marketplace: vault already holds funds")
	ErrVaultMismatch        = errors.New("marketplace: vault does not hold the listed unit")
	ErrInvalidPrice         = errors.New("marketplace: price must be positive")
	ErrPriceBelowFee        = errors.New("marketplace: price below marketplace fee")
	ErrInsufficientFunds    = errors.New("marketplace: insufficient balance for price and rent")
	ErrUnauthorized         = errors.New("marketplace: caller is not the listing maker")
	ErrSelfPurchase         = errors.New("marketplace: maker cannot purchase own listing")

	errNilState = errors.New("marketplace engine: state not configured")
)

// ErrorKind groups failures by how they were detected.
type ErrorKind uint8

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindArithmetic
	KindAuthorization
	KindNotFound
	KindConflict
)

var errorCodes = map[error]string{
	ErrNameEmpty:            "NameEmpty",
	ErrNameTooLong:          "NameTooLong",
	ErrMarketplaceExists:    "MarketplaceExists",
	ErrMarketplaceNotFound:  "MarketplaceNotFound",
	ErrInvalidCollection:    "InvalidCollection",
	ErrUnverifiedCollection: "UnverifedCollection",
	ErrMetadataNotFound:     "MetadataNotFound",
	ErrNotUniqueAsset:       "NotUniqueAsset",
	ErrAssetNotHeld:         "AssetNotHeld",
	ErrListingExists:        "ListingExists",
	ErrListingNotFound:      "ListingNotFound",
	ErrVaultNotEmpty:        "VaultNotEmpty",
	ErrVaultMismatch:        "VaultMismatch",
	ErrInvalidPrice:         "InvalidPrice",
	ErrPriceBelowFee:        "PriceBelowFee",
	ErrInsufficientFunds:    "InsufficientFunds",
	ErrUnauthorized:         "Unauthorized",
	ErrSelfPurchase:         "SelfPurchase",
}

var errorKinds = map[error]ErrorKind{
	ErrNameEmpty:            KindValidation,
	ErrNameTooLong:          KindValidation,
	ErrMarketplaceExists:    KindConflict,
	ErrMarketplaceNotFound:  KindNotFound,
	ErrInvalidCollection:    KindValidation,
	ErrUnverifiedCollection: KindValidation,
	ErrMetadataNotFound:     KindNotFound,
	ErrNotUniqueAsset:       KindValidation,
	ErrAssetNotHeld:         KindValidation,
	ErrListingExists:        KindConflict,
	ErrListingNotFound:      KindNotFound,
	ErrVaultNotEmpty:        KindConflict,
	ErrVaultMismatch:        KindInternal,
	ErrInvalidPrice:         KindValidation,
	ErrPriceBelowFee:        KindArithmetic,
	ErrInsufficientFunds:    KindValidation,
	ErrUnauthorized:         KindAuthorization,
	ErrSelfPurchase:         KindValidation,
}

// Code returns the stable error code for err, or "Internal" when err does
// not wrap a marketplace error.
func Code(err error) string {
	for target, code := range errorCodes {
		if errors.Is(err, target) {
			return code
		}
	}
	return "Internal"
}

// Kind classifies err. Unknown errors are internal.
func Kind(err error) ErrorKind {
	for target, kind := range errorKinds {
		if errors.Is(err, target) {
			return kind
		}
	}
	return KindInternal
}
