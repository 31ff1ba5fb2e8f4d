// Package sopclass lists the SOP class UIDs used during association
// negotiation, grouped by the DIMSE verb they are offered with.
//
// https://www.dicomlibrary.com/dicom/sop/
package sopclass

type SOPUID struct {
	Name string
	UID  string
}

// UIDs flattens a class list for presentation-context negotiation.
func UIDs(classes []SOPUID) []string {
	uids := make([]string, 0, len(classes))
	for _, c := range classes {
		uids = append(uids, c.UID)
	}
	return uids
}

// For issuing C-ECHO.
var VerificationClasses = []SOPUID{
	{"VerificationSOPClass", "1.2.840.10008.1.1"},
}

// For issuing C-STORE, or accepting storage suboperations of C-GET.
var StorageClasses = []SOPUID{
	{"ComputedRadiographyImageStorage", "1.2.840.10008.5.1.4.1.1.1"},
	{"DigitalXRayImagePresentationStorage", "1.2.840.10008.5.1.4.1.1.1.1"},
	{"DigitalMammographyXRayImagePresentationStorage", "1.2.840.10008.5.1.4.1.1.1.2"},
	{"DigitalMammographyXRayImageProcessingStorage", "1.2.840.10008.5.1.4.1.1.1.2.1"},
	{"DigitalIntraOralXRayImagePresentationStorage", "1.2.840.10008.5.1.4.1.1.1.3"},
	{"CTImageStorage", "1.2.840.10008.5.1.4.1.1.2"},
	{"EnhancedCTImageStorage", "1.2.840.10008.5.1.4.1.1.2.1"},
	{"LegacyConvertedEnhancedCTImageStorage", "1.2.840.10008.5.1.4.1.1.2.2"},
	{"UltrasoundMultiframeImageStorage", "1.2.840.10008.5.1.4.1.1.3.1"},
	{"MRImageStorage", "1.2.840.10008.5.1.4.1.1.4"},
	{"EnhancedMRImageStorage", "1.2.840.10008.5.1.4.1.1.4.1"},
	{"MRSpectroscopyStorage", "1.2.840.10008.5.1.4.1.1.4.2"},
	{"EnhancedMRColorImageStorage", "1.2.840.10008.5.1.4.1.1.4.3"},
	{"LegacyConvertedEnhancedMRImageStorage", "1.2.840.10008.5.1.4.1.1.4.4"},
	{"UltrasoundImageStorage", "1.2.840.10008.5.1.4.1.1.6.1"},
	{"EnhancedUSVolumeStorage", "1.2.840.10008.5.1.4.1.1.6.2"},
	{"SecondaryCaptureImageStorage", "1.2.840.10008.5.1.4.1.1.7"},
	{"MultiframeSingleBitSecondaryCaptureImageStorage", "1.2.840.10008.5.1.4.1.1.7.1"},
	{"MultiframeGrayscaleByteSecondaryCaptureImageStorage", "1.2.840.10008.5.1.4.1.1.7.2"},
	{"MultiframeGrayscaleWordSecondaryCaptureImageStorage", "1.2.840.10008.5.1.4.1.1.7.3"},
	{"MultiframeTrueColorSecondaryCaptureImageStorage", "1.2.840.10008.5.1.4.1.1.7.4"},
	{"TwelveLeadECGWaveformStorage", "1.2.840.10008.5.1.4.1.1.9.1.1"},
	{"GeneralECGWaveformStorage", "1.2.840.10008.5.1.4.1.1.9.1.2"},
	{"AmbulatoryECGWaveformStorage", "1.2.840.10008.5.1.4.1.1.9.1.3"},
	{"HemodynamicWaveformStorage", "1.2.840.10008.5.1.4.1.1.9.2.1"},
	{"CardiacElectrophysiologyWaveformStorage", "1.2.840.10008.5.1.4.1.1.9.3.1"},
	{"BasicVoiceAudioWaveformStorage", "1.2.840.10008.5.1.4.1.1.9.4.1"},
	{"GeneralAudioWaveformStorage", "1.2.840.10008.5.1.4.1.1.9.4.2"},
	{"ArterialPulseWaveformStorage", "1.2.840.10008.5.1.4.1.1.9.5.1"},
	{"RespiratoryWaveformStorage", "1.2.840.10008.5.1.4.1.1.9.6.1"},
	{"GrayscaleSoftcopyPresentationStateStorage", "1.2.840.10008.5.1.4.1.1.11.1"},
	{"ColorSoftcopyPresentationStateStorage", "1.2.840.10008.5.1.4.1.1.11.2"},
	{"PseudocolorSoftcopyPresentationStageStorage", "1.2.840.10008.5.1.4.1.1.11.3"},
	{"BlendingSoftcopyPresentationStateStorage", "1.2.840.10008.5.1.4.1.1.11.4"},
	{"XAXRFGrayscaleSoftcopyPresentationStateStorage", "1.2.840.10008.5.1.4.1.1.11.5"},
	{"XRayAngiographicImageStorage", "1.2.840.10008.5.1.4.1.1.12.1"},
	{"EnhancedXAImageStorage", "1.2.840.10008.5.1.4.1.1.12.1.1"},
	{"XRayRadiofluoroscopicImageStorage", "1.2.840.10008.5.1.4.1.1.12.2"},
	{"EnhancedXRFImageStorage", "1.2.840.10008.5.1.4.1.1.12.2.1"},
	{"XRay3DAngiographicImageStorage", "1.2.840.10008.5.1.4.1.1.13.1.1"},
	{"XRay3DCraniofacialImageStorage", "1.2.840.10008.5.1.4.1.1.13.1.2"},
	{"BreastTomosynthesisImageStorage", "1.2.840.10008.5.1.4.1.1.13.1.3"},
	{"BreastProjectionXRayImagePresentationStorage", "1.2.840.10008.5.1.4.1.1.13.1.4"},
	{"BreastProjectionXRayImageProcessingStorage", "1.2.840.10008.5.1.4.1.1.13.1.5"},
	{"IntravascularOpticalCoherenceTomographyImagePresentationStorage", "1.2.840.10008.5.1.4.1.1.14.1"},
	{"IntravascularOpticalCoherenceTomographyImageProcessingStorage", "1.2.840.10008.5.1.4.1.1.14.2"},
	{"NuclearMedicineImageStorage", "1.2.840.10008.5.1.4.1.1.20"},
	{"ParametricMapStorage", "1.2.840.10008.5.1.4.1.1.30"},
	{"RawDataStorage", "1.2.840.10008.5.1.4.1.1.66"},
	{"SpatialRegistrationStorage", "1.2.840.10008.5.1.4.1.1.66.1"},
	{"SpatialFiducialsStorage", "1.2.840.10008.5.1.4.1.1.66.2"},
	{"DeformableSpatialRegistrationStorage", "1.2.840.10008.5.1.4.1.1.66.3"},
	{"SegmentationStorage", "1.2.840.10008.5.1.4.1.1.66.4"},
	{"SurfaceSegmentationStorage", "1.2.840.10008.5.1.4.1.1.66.5"},
	{"RealWorldValueMappingStorage", "1.2.840.10008.5.1.4.1.1.67"},
	{"SurfaceScanMeshStorage", "1.2.840.10008.5.1.4.1.1.68.1"},
	{"SurfaceScanPointCloudStorage", "1.2.840.10008.5.1.4.1.1.68.2"},
	{"VLEndoscopicImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.1"},
	{"VideoEndoscopicImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.1.1"},
	{"VLMicroscopicImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.2"},
	{"VideoMicroscopicImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.2.1"},
	{"VLSlideCoordinatesMicroscopicImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.3"},
	{"VLPhotographicImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.4"},
	{"VideoPhotographicImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.4.1"},
	{"OphthalmicPhotography8BitImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.5.1"},
	{"OphthalmicPhotography16BitImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.5.2"},
	{"StereometricRelationshipStorage", "1.2.840.10008.5.1.4.1.1.77.1.5.3"},
	{"OpthalmicTomographyImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.5.4"},
	{"WideFieldOpthalmicPhotographyStereographicProjectionImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.5.5"},
	{"WideFieldOpthalmicPhotography3DCoordinatesImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.5.6"},
	{"VLWholeSlideMicroscopyImageStorage", "1.2.840.10008.5.1.4.1.1.77.1.6"},
	{"LensometryMeasurementsStorage", "1.2.840.10008.5.1.4.1.1.78.1"},
	{"AutorefractionMeasurementsStorage", "1.2.840.10008.5.1.4.1.1.78.2"},
	{"KeratometryMeasurementsStorage", "1.2.840.10008.5.1.4.1.1.78.3"},
	{"SubjectiveRefractionMeasurementsStorage", "1.2.840.10008.5.1.4.1.1.78.4"},
	{"VisualAcuityMeasurementsStorage", "1.2.840.10008.5.1.4.1.1.78.5"},
	{"SpectaclePrescriptionReportStorage", "1.2.840.10008.5.1.4.1.1.78.6"},
	{"OpthalmicAxialMeasurementsStorage", "1.2.840.10008.5.1.4.1.1.78.7"},
	{"IntraocularLensCalculationsStorage", "1.2.840.10008.5.1.4.1.1.78.8"},
	{"MacularGridThicknessAndVolumeReport", "1.2.840.10008.5.1.4.1.1.79.1"},
	{"OpthalmicVisualFieldStaticPerimetryMeasurementsStorage", "1.2.840.10008.5.1.4.1.1.80.1"},
	{"OpthalmicThicknessMapStorage", "1.2.840.10008.5.1.4.1.1.81.1"},
	{"CornealTopographyMapStorage", "1.2.840.10008.5.1.4.1.1.82.1"},
	{"BasicTextSRStorage", "1.2.840.10008.5.1.4.1.1.88.11"},
	{"EnhancedSRStorage", "1.2.840.10008.5.1.4.1.1.88.22"},
	{"ComprehensiveSRStorage", "1.2.840.10008.5.1.4.1.1.88.33"},
	{"Comprehensive3DSRStorage", "1.2.840.10008.5.1.4.1.1.88.34"},
	{"ExtensibleSRStorage", "1.2.840.10008.5.1.4.1.1.88.35"},
	{"ProcedureSRStorage", "1.2.840.10008.5.1.4.1.1.88.40"},
	{"MammographyCADSRStorage", "1.2.840.10008.5.1.4.1.1.88.50"},
	{"KeyObjectSelectionStorage", "1.2.840.10008.5.1.4.1.1.88.59"},
	{"ChestCADSRStorage", "1.2.840.10008.5.1.4.1.1.88.65"},
	{"XRayRadiationDoseSRStorage", "1.2.840.10008.5.1.4.1.1.88.67"},
	{"RadiopharmaceuticalRadiationDoseSRStorage", "1.2.840.10008.5.1.4.1.1.88.68"},
	{"ColonCADSRStorage", "1.2.840.10008.5.1.4.1.1.88.69"},
	{"ImplantationPlanSRDocumentStorage", "1.2.840.10008.5.1.4.1.1.88.70"},
	{"EncapsulatedPDFStorage", "1.2.840.10008.5.1.4.1.1.104.1"},
	{"EncapsulatedCDAStorage", "1.2.840.10008.5.1.4.1.1.104.2"},
	{"PositronEmissionTomographyImageStorage", "1.2.840.10008.5.1.4.1.1.128"},
	{"EnhancedPETImageStorage", "1.2.840.10008.5.1.4.1.1.130"},
	{"LegacyConvertedEnhancedPETImageStorage", "1.2.840.10008.5.1.4.1.1.128.1"},
	{"BasicStructuredDisplayStorage", "1.2.840.10008.5.1.4.1.1.131"},
	{"RTImageStorage", "1.2.840.10008.5.1.4.1.1.481.1"},
	{"RTDoseStorage", "1.2.840.10008.5.1.4.1.1.481.2"},
	{"RTStructureSetStorage", "1.2.840.10008.5.1.4.1.1.481.3"},
	{"RTBeamsTreatmentRecordStorage", "1.2.840.10008.5.1.4.1.1.481.4"},
	{"RTPlanStorage", "1.2.840.10008.5.1.4.1.1.481.5"},
	{"RTBrachyTreatmentRecordStorage", "1.2.840.10008.5.1.4.1.1.481.6"},
	{"RTTreatmentSummaryRecordStorage", "1.2.840.10008.5.1.4.1.1.481.7"},
	{"RTIonPlanStorage", "1.2.840.10008.5.1.4.1.1.481.8"},
	{"RTIonBeamsTreatmentRecordStorage", "1.2.840.10008.5.1.4.1.1.481.9"},
	{"RTBeamsDeliveryInstructionStorage", "1.2.840.10008.5.1.4.34.7"},
	{"GenericImplantTemplateStorage", "1.2.840.10008.5.1.4.43.1"},
	{"ImplantAssemblyTemplateStorage", "1.2.840.10008.5.1.4.44.1"},
	{"ImplantTemplateGroupStorage", "1.2.840.10008.5.1.4.45.1"},
}

// For issuing C-FIND. Includes the non-patient information models (hanging
// protocol, color palette) and the worklist and unified procedure step models
// alongside the classic query/retrieve ones.
var QRFindClasses = []SOPUID{
	{"PatientRootQueryRetrieveInformationModelFind", "1.2.840.10008.5.1.4.1.2.1.1"},
	{"StudyRootQueryRetrieveInformationModelFind", "1.2.840.10008.5.1.4.1.2.2.1"},
	{"PatientStudyOnlyQueryRetrieveInformationModelFind", "1.2.840.10008.5.1.4.1.2.3.1"},
	{"ModalityWorklistInformationFind", "1.2.840.10008.5.1.4.31"},
	{"UnifiedProcedureStepPull", "1.2.840.10008.5.1.4.34.6.3"},
	{"UnifiedProcedureStepWatch", "1.2.840.10008.5.1.4.34.6.2"},
	{"HangingProtocolInformationModelFind", "1.2.840.10008.5.1.4.38.2"},
	{"ColorPaletteInformationModelFind", "1.2.840.10008.5.1.4.39.2"},
}

// For issuing C-MOVE.
var QRMoveClasses = []SOPUID{
	{"PatientRootQueryRetrieveInformationModelMove", "1.2.840.10008.5.1.4.1.2.1.2"},
	{"StudyRootQueryRetrieveInformationModelMove", "1.2.840.10008.5.1.4.1.2.2.2"},
	{"PatientStudyOnlyQueryRetrieveInformationModelMove", "1.2.840.10008.5.1.4.1.2.3.2"},
	{"HangingProtocolInformationModelMove", "1.2.840.10008.5.1.4.38.3"},
	{"ColorPaletteInformationModelMove", "1.2.840.10008.5.1.4.39.3"},
}

// For issuing C-GET. The requester also negotiates SCP role selection for the
// storage classes so that the suboperations can flow back on the same
// association.
var QRGetClasses = []SOPUID{
	{"PatientRootQueryRetrieveInformationModelGet", "1.2.840.10008.5.1.4.1.2.1.3"},
	{"StudyRootQueryRetrieveInformationModelGet", "1.2.840.10008.5.1.4.1.2.2.3"},
	{"PatientStudyOnlyQueryRetrieveInformationModelGet", "1.2.840.10008.5.1.4.1.2.3.3"},
	{"HangingProtocolInformationModelGet", "1.2.840.10008.5.1.4.38.4"},
	{"ColorPaletteInformationModelGet", "1.2.840.10008.5.1.4.39.4"},
}
